// Package vrf provides a development randomness coordinator for the raffle.
// It issues request ids, derives words deterministically from a seed and
// delivers them to the requesting consumer, either on demand or from a
// background fulfiller.
package vrf

import (
	"errors"
	"time"

	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// RequestStatus represents the status of a randomness request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusFulfilled RequestStatus = "fulfilled"
	RequestStatusFailed    RequestStatus = "failed"
)

var (
	ErrNonexistentRequest = errors.New("nonexistent request")
	ErrInvalidParams      = errors.New("invalid request parameters")
	ErrStopped            = errors.New("coordinator stopped")
)

// Request is one randomness request as the coordinator sees it.
type Request struct {
	ID          raffle.RequestID     `json:"id"`
	Params      raffle.RequestParams `json:"params"`
	Status      RequestStatus        `json:"status"`
	Words       []raffle.RandomWord  `json:"words,omitempty"`
	Error       string               `json:"error,omitempty"`
	Attempts    int                  `json:"attempts"`
	CreatedAt   time.Time            `json:"created_at"`
	FulfilledAt time.Time            `json:"fulfilled_at,omitempty"`

	consumer raffle.Consumer
}

// Stats summarizes coordinator activity.
type Stats struct {
	TotalRequests     int64 `json:"total_requests"`
	FulfilledRequests int64 `json:"fulfilled_requests"`
	PendingRequests   int64 `json:"pending_requests"`
	FailedRequests    int64 `json:"failed_requests"`
}
