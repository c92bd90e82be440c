package payout

import (
	"context"
	"errors"
	"fmt"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"

	"github.com/R3E-Network/raffle_layer/internal/httputil"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// Paths on the transfer service.
const (
	TransferPath = "/transfers"
	ChargePath   = "/charges"
)

type transferRequest struct {
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

// HTTPPayer asks a transfer service to move funds between Neo addresses and
// the raffle treasury. Payouts and refunds go to TransferPath, fee charges
// to ChargePath; the service answers 2xx only once the funds have moved.
type HTTPPayer struct {
	client *httputil.ServiceClient
	log    *logger.Logger
}

var (
	_ raffle.Payer     = (*HTTPPayer)(nil)
	_ raffle.Collector = (*HTTPPayer)(nil)
)

// NewHTTPPayer creates a payer using client.
func NewHTTPPayer(client *httputil.ServiceClient, log *logger.Logger) *HTTPPayer {
	if log == nil {
		log = logger.NewDefault("payout")
	}
	return &HTTPPayer{client: client, log: log}
}

// Pay sends winnings to recipient.
func (p *HTTPPayer) Pay(ctx context.Context, recipient raffle.Participant, amount math.Int) error {
	return p.submit(ctx, TransferPath, KindPayout, recipient, amount)
}

// Collect charges an entrance fee to the participant's address.
func (p *HTTPPayer) Collect(ctx context.Context, from raffle.Participant, amount math.Int) error {
	return p.submit(ctx, ChargePath, KindCharge, from, amount)
}

// Refund returns a charged fee.
func (p *HTTPPayer) Refund(ctx context.Context, to raffle.Participant, amount math.Int) error {
	return p.submit(ctx, TransferPath, KindRefund, to, amount)
}

func (p *HTTPPayer) submit(ctx context.Context, path, kind string, account raffle.Participant, amount math.Int) error {
	req := transferRequest{
		Reference: uuid.NewString(),
		Kind:      kind,
		Account:   address.Uint160ToString(account),
		Amount:    amount.String(),
	}

	resp, err := p.client.Post(ctx, path, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, req.Reference, err)
	}
	var out transferResponse
	if err := httputil.DecodeResponse(resp, &out); err != nil {
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) {
			p.log.WithField("reference", req.Reference).
				WithField("kind", kind).
				WithField("status", statusErr.Code).
				Warn("transfer rejected")
		}
		return fmt.Errorf("%s %s: %w", kind, req.Reference, err)
	}

	p.log.WithField("reference", req.Reference).
		WithField("kind", kind).
		WithField("account", req.Account).
		WithField("amount", req.Amount).
		WithField("tx_hash", out.TxHash).
		Info("transfer submitted")
	return nil
}
