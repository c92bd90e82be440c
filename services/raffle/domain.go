// Package raffle implements a self-operating raffle: participants pay a fixed
// entrance fee, an automation actor closes the round once the interval has
// elapsed, and a VRF coordinator's random words select the winner of the pot.
package raffle

import (
	"fmt"
	"strconv"
	"time"

	"cosmossdk.io/math"
	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// State is the lifecycle state of the raffle.
type State uint8

const (
	StateOpen State = iota
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCalculating:
		return "calculating"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StateOpen
	case "calculating":
		*s = StateCalculating
	default:
		return fmt.Errorf("unknown raffle state %q", string(b))
	}
	return nil
}

// RequestID identifies a randomness request. Identifiers are assigned by the
// coordinator from its own global space; zero means no request.
type RequestID uint64

func (id RequestID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Participant identifies an entrant by Neo N3 script hash.
type Participant = util.Uint160

// Default randomness request parameters.
const (
	DefaultRequestConfirmations = 3
	DefaultCallbackGasLimit     = 500_000
	DefaultNumWords             = 1
	MaxNumWords                 = 10
)

// RequestParams are forwarded to the coordinator with every request.
type RequestParams struct {
	KeyHash              string `json:"key_hash" yaml:"key_hash"`
	SubscriptionID       uint64 `json:"subscription_id" yaml:"subscription_id"`
	RequestConfirmations uint16 `json:"request_confirmations" yaml:"request_confirmations"`
	CallbackGasLimit     uint32 `json:"callback_gas_limit" yaml:"callback_gas_limit"`
	NumWords             uint32 `json:"num_words" yaml:"num_words"`
}

// WithDefaults fills zero fields with the package defaults.
func (p RequestParams) WithDefaults() RequestParams {
	if p.RequestConfirmations == 0 {
		p.RequestConfirmations = DefaultRequestConfirmations
	}
	if p.CallbackGasLimit == 0 {
		p.CallbackGasLimit = DefaultCallbackGasLimit
	}
	if p.NumWords == 0 {
		p.NumWords = DefaultNumWords
	}
	return p
}

// Validate checks the parameters after defaults are applied.
func (p RequestParams) Validate() error {
	if p.NumWords < 1 || p.NumWords > MaxNumWords {
		return fmt.Errorf("num_words must be between 1 and %d, got %d", MaxNumWords, p.NumWords)
	}
	if p.CallbackGasLimit == 0 {
		return fmt.Errorf("callback_gas_limit must be positive")
	}
	return nil
}

// Config is fixed at construction and never changes afterwards.
type Config struct {
	EntranceFee math.Int
	Interval    time.Duration
	Request     RequestParams
	// AutoPayout makes a fulfilment try to push the winner's credit out
	// immediately. The credit stays in custody when the push fails.
	AutoPayout bool
}

// Validate rejects non-positive fees and intervals.
func (c Config) Validate() error {
	if c.EntranceFee.IsNil() || !c.EntranceFee.IsPositive() {
		return fmt.Errorf("entrance fee must be positive")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return c.Request.WithDefaults().Validate()
}

// UpkeepCheck carries the four conditions behind an upkeep decision.
type UpkeepCheck struct {
	HasBalance bool `json:"has_balance"`
	HasPlayers bool `json:"has_players"`
	IsOpen     bool `json:"is_open"`
	TimePassed bool `json:"time_passed"`
}

// Needed reports whether a round may be closed.
func (c UpkeepCheck) Needed() bool {
	return c.HasBalance && c.HasPlayers && c.IsOpen && c.TimePassed
}

// Snapshot is a consistent read-only copy of the raffle.
type Snapshot struct {
	State          State         `json:"state"`
	EntranceFee    math.Int      `json:"entrance_fee"`
	Interval       time.Duration `json:"interval"`
	Players        []Participant `json:"players"`
	Balance        math.Int      `json:"balance"`
	LastTimestamp  time.Time     `json:"last_timestamp"`
	PendingRequest RequestID     `json:"pending_request,omitempty"`
	RecentWinner   *Participant  `json:"recent_winner,omitempty"`
	Round          uint64        `json:"round"`
	LastSeq        uint64        `json:"last_seq"`
}

// RandomWord is a single 256-bit random value delivered by the coordinator.
type RandomWord = uint256.Int
