package raffle

import (
	"errors"
	"fmt"
)

var (
	ErrNotEnoughFunds        = errors.New("not enough funds to enter")
	ErrNotOpen               = errors.New("raffle is not open")
	ErrUpkeepNotNeeded       = errors.New("upkeep not needed")
	ErrUnknownRequest        = errors.New("unknown randomness request")
	ErrNoRandomWords         = errors.New("no random words delivered")
	ErrInvalidParticipant    = errors.New("invalid participant")
	ErrPlayerIndexOutOfRange = errors.New("player index out of range")
	ErrNothingToWithdraw     = errors.New("nothing to withdraw")
	ErrPayoutFailed          = errors.New("payout failed")
	ErrNoPayer               = errors.New("payer not configured")
	ErrNoCollector           = errors.New("fee collector not configured")
	ErrFeeNotCollected       = errors.New("entrance fee could not be collected")
	ErrNotLoaded             = errors.New("raffle not loaded")
	ErrConfigMismatch        = errors.New("journal was written with a different configuration")
	ErrCorruptJournal        = errors.New("corrupt raffle journal")
)

// UpkeepNotNeededError is returned by PerformUpkeep when the round may not be
// closed. It carries the individual conditions so callers can see which one
// failed.
type UpkeepNotNeededError struct {
	Check      UpkeepCheck
	Balance    string
	NumPlayers int
	State      State
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("%s: balance=%s players=%d state=%s (has_balance=%t has_players=%t is_open=%t time_passed=%t)",
		ErrUpkeepNotNeeded, e.Balance, e.NumPlayers, e.State,
		e.Check.HasBalance, e.Check.HasPlayers, e.Check.IsOpen, e.Check.TimePassed)
}

func (e *UpkeepNotNeededError) Unwrap() error {
	return ErrUpkeepNotNeeded
}
