package raffle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

const testInterval = 60 * time.Second

var testFee = math.NewInt(100)

func player(n byte) Participant {
	var p Participant
	p[0] = n
	p[19] = 0xAA
	return p
}

type harness struct {
	svc     *Service
	coord   *MockCoordinator
	payer   *MockPayer
	fees    *MockCollector
	journal *FailingJournal
	clock   *clock.Mock
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := Config{EntranceFee: testFee, Interval: testInterval}
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		coord:   NewMockCoordinator(),
		payer:   NewMockPayer(),
		fees:    NewMockCollector(),
		journal: NewFailingJournal(nil),
		clock:   clock.NewMock(),
	}
	h.clock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	svc, err := New(cfg, h.coord, h.journal, logger.NewNop())
	require.NoError(t, err)
	svc.WithClock(h.clock)
	svc.WithPayer(h.payer)
	svc.WithCollector(h.fees)
	require.NoError(t, svc.Load(context.Background()))
	h.svc = svc
	return h
}

func (h *harness) enter(t *testing.T, players ...Participant) {
	t.Helper()
	for _, p := range players {
		_, err := h.svc.Enter(context.Background(), p, testFee)
		require.NoError(t, err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	coord := NewMockCoordinator()

	_, err := New(Config{EntranceFee: math.ZeroInt(), Interval: time.Second}, coord, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{EntranceFee: math.NewInt(1)}, coord, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{EntranceFee: math.NewInt(1), Interval: time.Second, Request: RequestParams{NumWords: MaxNumWords + 1}}, coord, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{EntranceFee: math.NewInt(1), Interval: time.Second}, nil, nil, nil)
	assert.Error(t, err)
}

func TestService_Deploy(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, StateOpen, h.svc.State())
	assert.Equal(t, 0, h.svc.NumberOfPlayers())
	assert.True(t, h.svc.Balance().IsZero())
	assert.Equal(t, h.clock.Now(), h.svc.LastTimestamp())
	assert.True(t, h.svc.EntranceFee().Equal(testFee))
	assert.Equal(t, testInterval, h.svc.Interval())

	_, ok := h.svc.RecentWinner()
	assert.False(t, ok)
	_, ok = h.svc.PendingRequest()
	assert.False(t, ok)

	params := h.svc.RequestParams()
	assert.EqualValues(t, DefaultRequestConfirmations, params.RequestConfirmations)
	assert.EqualValues(t, DefaultCallbackGasLimit, params.CallbackGasLimit)
	assert.EqualValues(t, DefaultNumWords, params.NumWords)
	assert.Equal(t, 1, h.journal.Journal.(*MemoryJournal).Len())
}

func TestService_OperationsRequireLoad(t *testing.T) {
	svc, err := New(Config{EntranceFee: testFee, Interval: testInterval}, NewMockCoordinator(), nil, nil)
	require.NoError(t, err)

	_, err = svc.Enter(context.Background(), player(1), testFee)
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = svc.PerformUpkeep(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, svc.FulfillRandomWords(context.Background(), 1, Words(1)), ErrNotLoaded)
}

func TestEnter(t *testing.T) {
	ctx := context.Background()

	t.Run("below fee is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Enter(ctx, player(1), math.NewInt(99))
		assert.ErrorIs(t, err, ErrNotEnoughFunds)
		assert.Equal(t, 0, h.svc.NumberOfPlayers())
		assert.True(t, h.svc.Balance().IsZero())
		assert.Empty(t, h.fees.Fees())
	})

	t.Run("nil amount is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Enter(ctx, player(1), math.Int{})
		assert.ErrorIs(t, err, ErrNotEnoughFunds)
	})

	t.Run("zero participant is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Enter(ctx, Participant{}, testFee)
		assert.ErrorIs(t, err, ErrInvalidParticipant)
	})

	t.Run("exact fee is recorded", func(t *testing.T) {
		h := newHarness(t)
		ticket, err := h.svc.Enter(ctx, player(1), testFee)
		require.NoError(t, err)
		assert.Equal(t, Ticket{Index: 0, NumPlayers: 1, Balance: testFee}, ticket)
		assert.Equal(t, []Payment{{Recipient: player(1), Amount: testFee}}, h.fees.Fees())

		p, err := h.svc.Player(0)
		require.NoError(t, err)
		assert.Equal(t, player(1), p)
		assert.Equal(t, "100", h.svc.Balance().String())
	})

	t.Run("overpayment stays in the pot", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Enter(ctx, player(1), math.NewInt(250))
		require.NoError(t, err)
		assert.Equal(t, "250", h.svc.Balance().String())
		assert.Equal(t, "250", h.fees.Fees()[0].Amount.String())
	})

	t.Run("same participant may enter twice", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1), player(1))
		assert.Equal(t, []Participant{player(1), player(1)}, h.svc.Players())
		assert.Equal(t, "200", h.svc.Balance().String())
	})

	t.Run("entries are rejected while calculating", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		_, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)

		_, err = h.svc.Enter(ctx, player(2), testFee)
		assert.ErrorIs(t, err, ErrNotOpen)
		assert.Equal(t, 1, h.svc.NumberOfPlayers())
		assert.Equal(t, "100", h.svc.Balance().String())
	})

	t.Run("funds are checked before state", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		_, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)

		_, err = h.svc.Enter(ctx, player(2), math.NewInt(1))
		assert.ErrorIs(t, err, ErrNotEnoughFunds)
	})

	t.Run("ticket reports the assigned slot", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1), player(2))
		ticket, err := h.svc.Enter(ctx, player(3), math.NewInt(150))
		require.NoError(t, err)
		assert.Equal(t, 2, ticket.Index)
		assert.Equal(t, 3, ticket.NumPlayers)
		assert.Equal(t, "350", ticket.Balance.String())
	})

	t.Run("uncollected fee is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.fees.Err = errors.New("insufficient balance")
		_, err := h.svc.Enter(ctx, player(1), testFee)
		assert.ErrorIs(t, err, ErrFeeNotCollected)
		assert.Equal(t, 0, h.svc.NumberOfPlayers())
		assert.True(t, h.svc.Balance().IsZero())
		assert.Equal(t, 1, h.journal.Journal.(*MemoryJournal).Len())
	})

	t.Run("no collector rejects entries", func(t *testing.T) {
		h := newHarness(t)
		h.svc.WithCollector(nil)
		_, err := h.svc.Enter(ctx, player(1), testFee)
		assert.ErrorIs(t, err, ErrNoCollector)
		assert.Equal(t, 0, h.svc.NumberOfPlayers())
	})
}

func TestPlayer_OutOfRange(t *testing.T) {
	h := newHarness(t)
	h.enter(t, player(1))

	_, err := h.svc.Player(1)
	assert.ErrorIs(t, err, ErrPlayerIndexOutOfRange)
	_, err = h.svc.Player(-1)
	assert.ErrorIs(t, err, ErrPlayerIndexOutOfRange)
}

func TestCheckUpkeep(t *testing.T) {
	t.Run("all conditions hold", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval + time.Second)
		assert.Equal(t, UpkeepCheck{HasBalance: true, HasPlayers: true, IsOpen: true, TimePassed: true}, h.svc.CheckUpkeep())
	})

	t.Run("interval boundary is inclusive", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval - time.Second)
		assert.False(t, h.svc.CheckUpkeep().Needed())
		h.clock.Add(time.Second)
		assert.True(t, h.svc.CheckUpkeep().Needed())
	})

	// With a positive fee every entry adds to the pot, so HasBalance and
	// HasPlayers only flip together here. TestUpkeepCheck_Needed covers
	// each flag on its own.
	t.Run("no players and no balance", func(t *testing.T) {
		h := newHarness(t)
		h.clock.Add(testInterval * 2)
		check := h.svc.CheckUpkeep()
		assert.False(t, check.Needed())
		assert.False(t, check.HasPlayers)
		assert.False(t, check.HasBalance)
		assert.True(t, check.IsOpen)
		assert.True(t, check.TimePassed)
	})

	t.Run("not open", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		_, err := h.svc.PerformUpkeep(context.Background())
		require.NoError(t, err)

		check := h.svc.CheckUpkeep()
		assert.False(t, check.Needed())
		assert.False(t, check.IsOpen)
		assert.True(t, check.HasPlayers)
		assert.True(t, check.HasBalance)
	})

	t.Run("time not passed", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		check := h.svc.CheckUpkeep()
		assert.False(t, check.Needed())
		assert.False(t, check.TimePassed)
	})

	t.Run("does not mutate", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		before := h.svc.Snapshot()
		h.svc.CheckUpkeep()
		h.svc.CheckUpkeep()
		after := h.svc.Snapshot()
		assert.Equal(t, before.LastSeq, after.LastSeq)
		assert.Equal(t, before.State, after.State)
		assert.Empty(t, h.coord.Requests)
	})
}

func TestPerformUpkeep(t *testing.T) {
	ctx := context.Background()

	t.Run("not needed carries diagnostics", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.PerformUpkeep(ctx)
		require.ErrorIs(t, err, ErrUpkeepNotNeeded)

		diag, ok := IsUpkeepNotNeeded(err)
		require.True(t, ok)
		assert.Equal(t, "0", diag.Balance)
		assert.Equal(t, 0, diag.NumPlayers)
		assert.Equal(t, StateOpen, diag.State)
		assert.Empty(t, h.coord.Requests)
	})

	t.Run("closes the round and requests randomness", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)

		id, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)
		assert.Equal(t, RequestID(1), id)
		assert.Equal(t, StateCalculating, h.svc.State())

		pending, ok := h.svc.PendingRequest()
		require.True(t, ok)
		assert.Equal(t, id, pending)

		require.Len(t, h.coord.Requests, 1)
		assert.EqualValues(t, 1, h.coord.Requests[0].NumWords)
	})

	t.Run("second call while calculating fails", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		_, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)

		_, err = h.svc.PerformUpkeep(ctx)
		diag, ok := IsUpkeepNotNeeded(err)
		require.True(t, ok)
		assert.Equal(t, StateCalculating, diag.State)
		assert.Len(t, h.coord.Requests, 1)
	})

	t.Run("coordinator failure leaves the round open", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		h.coord.Err = errors.New("subscription underfunded")

		_, err := h.svc.PerformUpkeep(ctx)
		require.Error(t, err)
		assert.Equal(t, StateOpen, h.svc.State())
		_, ok := h.svc.PendingRequest()
		assert.False(t, ok)

		_, err = h.svc.PerformUpkeep(ctx)
		assert.NoError(t, err)
	})

	t.Run("reused request id is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.coord.FixedID = 7
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		_, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)
		require.NoError(t, h.svc.FulfillRandomWords(ctx, 7, Words(0)))

		h.enter(t, player(2))
		h.clock.Add(testInterval)
		_, err = h.svc.PerformUpkeep(ctx)
		require.Error(t, err)
		assert.Equal(t, StateOpen, h.svc.State())
	})
}

func TestFulfillRandomWords_SinglePlayer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enter(t, player(0xA))
	h.clock.Add(61 * time.Second)

	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)

	h.clock.Add(5 * time.Second)
	fulfilledAt := h.clock.Now()
	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(42)))

	assert.Equal(t, StateOpen, h.svc.State())
	assert.Equal(t, 0, h.svc.NumberOfPlayers())
	assert.True(t, h.svc.Balance().IsZero())
	assert.Equal(t, fulfilledAt, h.svc.LastTimestamp())

	winner, ok := h.svc.RecentWinner()
	require.True(t, ok)
	assert.Equal(t, player(0xA), winner)
	assert.Equal(t, "100", h.svc.Credit(player(0xA)).String())

	_, ok = h.svc.PendingRequest()
	assert.False(t, ok)
	assert.EqualValues(t, 1, h.svc.Snapshot().Round)
}

func TestFulfillRandomWords_FourPlayers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enter(t, player(1), player(2), player(3), player(4))
	h.clock.Add(testInterval)

	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)
	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(7, 1, 2)))

	winner, ok := h.svc.RecentWinner()
	require.True(t, ok)
	assert.Equal(t, player(4), winner)
	assert.Equal(t, "400", h.svc.Credit(player(4)).String())
	for _, p := range []Participant{player(1), player(2), player(3)} {
		assert.True(t, h.svc.Credit(p).IsZero())
	}
}

func TestFulfillRandomWords_LargeWord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enter(t, player(1), player(2), player(3))
	h.clock.Add(testInterval)
	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)

	// 2^256 - 1 is divisible by 3.
	words := Words(0)
	words[0].SetAllOne()
	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, words))

	winner, _ := h.svc.RecentWinner()
	assert.Equal(t, player(1), winner)
}

func TestFulfillRandomWords_Rejections(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, RequestID) {
		h := newHarness(t)
		h.enter(t, player(1), player(2))
		h.clock.Add(testInterval)
		id, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)
		return h, id
	}

	t.Run("foreign id", func(t *testing.T) {
		h, id := setup(t)
		err := h.svc.FulfillRandomWords(ctx, id+1, Words(1))
		assert.ErrorIs(t, err, ErrUnknownRequest)
		assert.Equal(t, StateCalculating, h.svc.State())
		assert.Equal(t, 2, h.svc.NumberOfPlayers())
		assert.Equal(t, "200", h.svc.Balance().String())
	})

	t.Run("zero id", func(t *testing.T) {
		h, _ := setup(t)
		assert.ErrorIs(t, h.svc.FulfillRandomWords(ctx, 0, Words(1)), ErrUnknownRequest)
	})

	t.Run("no words", func(t *testing.T) {
		h, id := setup(t)
		assert.ErrorIs(t, h.svc.FulfillRandomWords(ctx, id, nil), ErrNoRandomWords)
		assert.Equal(t, StateCalculating, h.svc.State())
	})

	t.Run("duplicate delivery", func(t *testing.T) {
		h, id := setup(t)
		require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(1)))
		h.enter(t, player(3))

		err := h.svc.FulfillRandomWords(ctx, id, Words(0))
		assert.ErrorIs(t, err, ErrUnknownRequest)
		assert.Equal(t, 1, h.svc.NumberOfPlayers())
		assert.Equal(t, "200", h.svc.Credit(player(2)).String())
	})

	t.Run("while open", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		assert.ErrorIs(t, h.svc.FulfillRandomWords(ctx, 1, Words(1)), ErrUnknownRequest)
	})
}

func TestJournalFailure_LeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	t.Run("enter", func(t *testing.T) {
		h := newHarness(t)
		h.journal.Fail(boom)
		_, err := h.svc.Enter(ctx, player(1), testFee)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, h.svc.NumberOfPlayers())
		assert.True(t, h.svc.Balance().IsZero())
		assert.Equal(t, []Payment{{Recipient: player(1), Amount: testFee}}, h.fees.Refunds())
	})

	t.Run("upkeep", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		h.journal.Fail(boom)

		_, err := h.svc.PerformUpkeep(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateOpen, h.svc.State())
		_, ok := h.svc.PendingRequest()
		assert.False(t, ok)
	})

	t.Run("fulfil", func(t *testing.T) {
		h := newHarness(t)
		h.enter(t, player(1))
		h.clock.Add(testInterval)
		id, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)
		h.journal.Fail(boom)

		assert.ErrorIs(t, h.svc.FulfillRandomWords(ctx, id, Words(3)), boom)
		assert.Equal(t, StateCalculating, h.svc.State())
		assert.Equal(t, 1, h.svc.NumberOfPlayers())
		assert.True(t, h.svc.Credit(player(1)).IsZero())

		h.journal.Fail(nil)
		assert.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(3)))
	})
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	win := func(t *testing.T, h *harness) {
		t.Helper()
		h.enter(t, player(1), player(2))
		h.clock.Add(testInterval)
		id, err := h.svc.PerformUpkeep(ctx)
		require.NoError(t, err)
		require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(1)))
	}

	t.Run("pays the credit once", func(t *testing.T) {
		h := newHarness(t)
		win(t, h)

		paid, err := h.svc.Withdraw(ctx, player(2))
		require.NoError(t, err)
		assert.Equal(t, "200", paid.String())
		require.Len(t, h.payer.Paid(), 1)
		assert.Equal(t, player(2), h.payer.Paid()[0].Recipient)
		assert.True(t, h.svc.CustodyTotal().IsZero())

		_, err = h.svc.Withdraw(ctx, player(2))
		assert.ErrorIs(t, err, ErrNothingToWithdraw)
		assert.Len(t, h.payer.Paid(), 1)
	})

	t.Run("failed transfer restores the credit", func(t *testing.T) {
		h := newHarness(t)
		win(t, h)
		h.payer.Err = errors.New("insufficient gas")

		_, err := h.svc.Withdraw(ctx, player(2))
		assert.ErrorIs(t, err, ErrPayoutFailed)
		assert.Equal(t, "200", h.svc.Credit(player(2)).String())

		events, err := h.svc.Events(ctx, 0)
		require.NoError(t, err)
		last := events[len(events)-1]
		assert.Equal(t, EventPayoutFailed, last.Type)
		assert.Equal(t, "insufficient gas", last.Reason)

		h.payer.Err = nil
		paid, err := h.svc.Withdraw(ctx, player(2))
		require.NoError(t, err)
		assert.Equal(t, "200", paid.String())
	})

	t.Run("nothing owed", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Withdraw(ctx, player(9))
		assert.ErrorIs(t, err, ErrNothingToWithdraw)
	})

	t.Run("no payer", func(t *testing.T) {
		h := newHarness(t)
		win(t, h)
		h.svc.WithPayer(nil)
		_, err := h.svc.Withdraw(ctx, player(2))
		assert.ErrorIs(t, err, ErrNoPayer)
		assert.Equal(t, "200", h.svc.Credit(player(2)).String())
	})
}

func TestAutoPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.AutoPayout = true })
	h.enter(t, player(1))
	h.clock.Add(testInterval)
	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)

	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(5)))
	require.Len(t, h.payer.Paid(), 1)
	assert.Equal(t, "100", h.payer.Paid()[0].Amount.String())
	assert.True(t, h.svc.Credit(player(1)).IsZero())
}

func TestAutoPayout_FailureKeepsCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.AutoPayout = true })
	h.payer.Err = errors.New("rpc down")
	h.enter(t, player(1))
	h.clock.Add(testInterval)
	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)

	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(5)))
	assert.Equal(t, StateOpen, h.svc.State())
	assert.Equal(t, "100", h.svc.Credit(player(1)).String())
}

func TestLoad_Replay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enter(t, player(1), player(2), player(3))
	h.clock.Add(testInterval)
	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)
	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(2)))
	h.enter(t, player(4))
	h.clock.Add(testInterval)
	_, err = h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)

	want := h.svc.Snapshot()

	restored, err := New(Config{EntranceFee: testFee, Interval: testInterval}, NewMockCoordinator(), h.journal, logger.NewNop())
	require.NoError(t, err)
	restored.WithClock(h.clock)
	require.NoError(t, restored.Load(ctx))

	got := restored.Snapshot()
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Players, got.Players)
	assert.Equal(t, want.Balance.String(), got.Balance.String())
	assert.True(t, want.LastTimestamp.Equal(got.LastTimestamp))
	assert.Equal(t, want.PendingRequest, got.PendingRequest)
	assert.Equal(t, want.RecentWinner, got.RecentWinner)
	assert.Equal(t, want.Round, got.Round)
	assert.Equal(t, want.LastSeq, got.LastSeq)
	assert.Equal(t, "300", restored.Credit(player(3)).String())

	// The replayed ledger still rejects the consumed id.
	assert.ErrorIs(t, restored.FulfillRandomWords(ctx, id, Words(0)), ErrUnknownRequest)
	assert.NoError(t, restored.FulfillRandomWords(ctx, want.PendingRequest, Words(0)))
}

func TestLoad_ConfigMismatch(t *testing.T) {
	h := newHarness(t)

	other, err := New(Config{EntranceFee: math.NewInt(5), Interval: testInterval}, NewMockCoordinator(), h.journal, logger.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, other.Load(context.Background()), ErrConfigMismatch)
}

func TestLoad_CorruptJournal(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	evt := newEvent(EventEntered, time.Now())
	evt.Participant = player(1)
	evt.Amount = testFee
	_, err := journal.Append(ctx, evt)
	require.NoError(t, err)

	svc, err := New(Config{EntranceFee: testFee, Interval: testInterval}, NewMockCoordinator(), journal, logger.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Load(ctx), ErrCorruptJournal)
}

func TestBus_ReceivesCommittedEventsInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch, cancel := h.svc.Bus().Subscribe(16)
	defer cancel()

	h.enter(t, player(1))
	h.clock.Add(testInterval)
	id, err := h.svc.PerformUpkeep(ctx)
	require.NoError(t, err)
	require.NoError(t, h.svc.FulfillRandomWords(ctx, id, Words(0)))
	// rejected calls publish nothing
	_, _ = h.svc.Enter(ctx, player(2), math.NewInt(1))

	var types []EventType
	var seqs []uint64
	for i := 0; i < 3; i++ {
		evt := <-ch
		types = append(types, evt.Type)
		seqs = append(seqs, evt.Seq)
	}
	assert.Equal(t, []EventType{EventEntered, EventCloseRequested, EventWinnerPicked}, types)
	assert.Equal(t, []uint64{2, 3, 4}, seqs)
	assert.Empty(t, ch)
}

func TestEnter_Concurrent(t *testing.T) {
	h := newHarness(t)
	const n = 50

	var wg sync.WaitGroup
	slots := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := h.svc.Enter(context.Background(), player(byte(i+1)), testFee)
			if err == nil {
				slots[i] = ticket.Index
			}
		}(i)
	}
	wg.Wait()

	players := h.svc.Players()
	for i, slot := range slots {
		assert.Equal(t, player(byte(i+1)), players[slot])
	}

	assert.Equal(t, n, h.svc.NumberOfPlayers())
	assert.Equal(t, "5000", h.svc.Balance().String())
	assert.EqualValues(t, n+1, h.svc.Snapshot().LastSeq)
}

func TestUpkeepCheck_Needed(t *testing.T) {
	all := UpkeepCheck{HasBalance: true, HasPlayers: true, IsOpen: true, TimePassed: true}
	assert.True(t, all.Needed())

	tests := []struct {
		name  string
		unset func(*UpkeepCheck)
	}{
		{"no balance", func(c *UpkeepCheck) { c.HasBalance = false }},
		{"no players", func(c *UpkeepCheck) { c.HasPlayers = false }},
		{"not open", func(c *UpkeepCheck) { c.IsOpen = false }},
		{"interval not elapsed", func(c *UpkeepCheck) { c.TimePassed = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := all
			tt.unset(&check)
			assert.False(t, check.Needed())
		})
	}
}
