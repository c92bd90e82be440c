// Package payout moves raffle funds: an in-process bank for development and
// tests, and an HTTP client for an external transfer service. Both collect
// entrance fees and pay winnings.
package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// Transfer kinds.
const (
	KindPayout = "payout"
	KindCharge = "charge"
	KindRefund = "refund"
)

// Transfer records one completed movement between a wallet and the treasury.
type Transfer struct {
	ID        string             `json:"id"`
	Kind      string             `json:"kind"`
	Account   raffle.Participant `json:"account"`
	Amount    math.Int           `json:"amount"`
	CreatedAt time.Time          `json:"created_at"`
}

// Bank keeps participant wallets and the raffle treasury. Fees move from a
// wallet into the treasury and winnings move back out.
type Bank struct {
	mu        sync.RWMutex
	treasury  math.Int
	wallets   map[raffle.Participant]math.Int
	transfers []Transfer
}

var (
	_ raffle.Payer     = (*Bank)(nil)
	_ raffle.Collector = (*Bank)(nil)
)

// NewBank creates a bank holding treasury.
func NewBank(treasury math.Int) *Bank {
	if treasury.IsNil() {
		treasury = math.ZeroInt()
	}
	return &Bank{
		treasury: treasury,
		wallets:  make(map[raffle.Participant]math.Int),
	}
}

// Deposit adds funds to the treasury.
func (b *Bank) Deposit(amount math.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.treasury = b.treasury.Add(amount)
}

// Fund credits a participant's wallet from outside the bank.
func (b *Bank) Fund(account raffle.Participant, amount math.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[account] = b.balanceLocked(account).Add(amount)
}

// Collect moves an entrance fee from the participant's wallet into the
// treasury.
func (b *Bank) Collect(ctx context.Context, from raffle.Participant, amount math.Int) error {
	if err := checkAmount(ctx, amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.balanceLocked(from)
	if have.LT(amount) {
		return fmt.Errorf("insufficient wallet balance: available %s, requested %s", have, amount)
	}
	b.wallets[from] = have.Sub(amount)
	b.treasury = b.treasury.Add(amount)
	b.recordLocked(KindCharge, from, amount)
	return nil
}

// Pay moves amount from the treasury to recipient.
func (b *Bank) Pay(ctx context.Context, recipient raffle.Participant, amount math.Int) error {
	return b.release(ctx, KindPayout, recipient, amount)
}

// Refund returns a collected fee to the participant's wallet.
func (b *Bank) Refund(ctx context.Context, to raffle.Participant, amount math.Int) error {
	return b.release(ctx, KindRefund, to, amount)
}

func (b *Bank) release(ctx context.Context, kind string, to raffle.Participant, amount math.Int) error {
	if err := checkAmount(ctx, amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.treasury.LT(amount) {
		return fmt.Errorf("insufficient treasury: available %s, requested %s", b.treasury, amount)
	}
	b.treasury = b.treasury.Sub(amount)
	b.wallets[to] = b.balanceLocked(to).Add(amount)
	b.recordLocked(kind, to, amount)
	return nil
}

func checkAmount(ctx context.Context, amount math.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

func (b *Bank) recordLocked(kind string, account raffle.Participant, amount math.Int) {
	b.transfers = append(b.transfers, Transfer{
		ID:        uuid.New().String(),
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
}

// Balance returns the wallet balance of account.
func (b *Bank) Balance(account raffle.Participant) math.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLocked(account)
}

func (b *Bank) balanceLocked(account raffle.Participant) math.Int {
	if v, ok := b.wallets[account]; ok {
		return v
	}
	return math.ZeroInt()
}

// Treasury returns the funds available for payouts.
func (b *Bank) Treasury() math.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.treasury
}

// Transfers returns completed movements, oldest first.
func (b *Bank) Transfers() []Transfer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Transfer(nil), b.transfers...)
}
