package raffle

import (
	"context"

	"cosmossdk.io/math"
)

// Payer moves funds out of the raffle. Implementations talk to the ledger
// the raffle is deployed on.
type Payer interface {
	Pay(ctx context.Context, recipient Participant, amount math.Int) error
}

// Collector takes entrance fees from participants. Refund gives a collected
// fee back when the entry could not be recorded afterwards.
type Collector interface {
	Collect(ctx context.Context, from Participant, amount math.Int) error
	Refund(ctx context.Context, to Participant, amount math.Int) error
}

// custody holds winnings credited to participants until they are withdrawn.
// Crediting never fails, which keeps the payout step of a fulfilment safe.
type custody struct {
	credits map[Participant]math.Int
}

func newCustody() custody {
	return custody{credits: make(map[Participant]math.Int)}
}

func (c *custody) credit(who Participant, amount math.Int) {
	if amount.IsZero() {
		return
	}
	c.credits[who] = c.owed(who).Add(amount)
}

func (c *custody) debit(who Participant, amount math.Int) bool {
	owed := c.owed(who)
	if owed.LT(amount) {
		return false
	}
	rest := owed.Sub(amount)
	if rest.IsZero() {
		delete(c.credits, who)
	} else {
		c.credits[who] = rest
	}
	return true
}

func (c *custody) owed(who Participant) math.Int {
	if v, ok := c.credits[who]; ok {
		return v
	}
	return math.ZeroInt()
}

func (c *custody) total() math.Int {
	sum := math.ZeroInt()
	for _, v := range c.credits {
		sum = sum.Add(v)
	}
	return sum
}
