package raffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle_layer/internal/metrics"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Consumer receives randomness from a coordinator.
type Consumer interface {
	FulfillRandomWords(ctx context.Context, id RequestID, words []RandomWord) error
}

// Coordinator issues randomness requests. It must return without calling
// back into the consumer; delivery happens later as an independent call.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, params RequestParams, consumer Consumer) (RequestID, error)
}

// Service is the raffle aggregate. Every entry point runs under one mutex
// for its whole check, append and apply sequence, so calls are serialized
// and either fully happen or leave no trace.
type Service struct {
	mu sync.Mutex

	cfg         Config
	coordinator Coordinator
	journal     Journal
	payer       Payer
	collector   Collector
	clock       clock.Clock
	bus         *EventBus
	log         *logger.Logger

	loaded        bool
	state         State
	players       []Participant
	balance       math.Int
	lastTimestamp time.Time
	ledger        RequestLedger
	custody       custody
	recentWinner  *Participant
	round         uint64
	lastSeq       uint64
}

// New constructs a raffle. Load must be called before use.
func New(cfg Config, coordinator Coordinator, journal Journal, log *logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("raffle config: %w", err)
	}
	if coordinator == nil {
		return nil, fmt.Errorf("raffle: coordinator is required")
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if log == nil {
		log = logger.NewDefault("raffle")
	}
	cfg.Request = cfg.Request.WithDefaults()

	return &Service{
		cfg:         cfg,
		coordinator: coordinator,
		journal:     journal,
		clock:       clock.New(),
		bus:         NewEventBus(),
		log:         log,
		balance:     math.ZeroInt(),
		ledger:      newRequestLedger(),
		custody:     newCustody(),
	}, nil
}

// WithPayer sets the transfer primitive used by Withdraw.
func (s *Service) WithPayer(p Payer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payer = p
}

// WithCollector sets where entrance fees are taken from. Enter refuses
// entries until a collector is configured.
func (s *Service) WithCollector(c Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collector = c
}

// WithClock replaces the wall clock. Tests use clock.NewMock.
func (s *Service) WithClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Bus exposes the committed event stream.
func (s *Service) Bus() *EventBus {
	return s.bus
}

// Load replays the journal, or writes the deployment event when the journal
// is empty. It is safe to call once; later calls are no-ops.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return nil
	}

	events, err := s.journal.Load(ctx, 0)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}

	if len(events) == 0 {
		evt := newEvent(EventDeployed, s.clock.Now())
		evt.EntranceFee = s.cfg.EntranceFee
		evt.Interval = s.cfg.Interval
		if _, err := s.commit(ctx, evt); err != nil {
			return err
		}
		s.loaded = true
		s.log.WithField("entrance_fee", s.cfg.EntranceFee.String()).
			WithField("interval", s.cfg.Interval.String()).
			Info("raffle deployed")
		return nil
	}

	if events[0].Type != EventDeployed {
		return fmt.Errorf("%w: first event is %s", ErrCorruptJournal, events[0].Type)
	}
	if !events[0].EntranceFee.Equal(s.cfg.EntranceFee) || events[0].Interval != s.cfg.Interval {
		return fmt.Errorf("%w: journal fee=%s interval=%s, configured fee=%s interval=%s", ErrConfigMismatch,
			events[0].EntranceFee, events[0].Interval, s.cfg.EntranceFee, s.cfg.Interval)
	}
	for _, evt := range events {
		if err := s.apply(evt); err != nil {
			return fmt.Errorf("replay seq %d: %w", evt.Seq, err)
		}
	}
	s.loaded = true

	entry := s.log.WithField("events", len(events)).
		WithField("state", s.state.String()).
		WithField("players", len(s.players)).
		WithField("round", s.round)
	if id, ok := s.ledger.Pending(); ok {
		entry.WithField("pending_request", id.String()).Warn("raffle resumed while waiting for randomness")
	} else {
		entry.Info("raffle resumed")
	}
	metrics.SetRoundState(len(s.players), s.round)
	return nil
}

// Ticket describes an accepted entry as of the moment it was recorded.
type Ticket struct {
	Index      int
	NumPlayers int
	Balance    math.Int
}

// Enter adds participant to the current round. amount must cover the
// entrance fee; it is collected from participant before the entry is
// journaled and all of it goes into the pot.
func (s *Service) Enter(ctx context.Context, participant Participant, amount math.Int) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return Ticket{}, ErrNotLoaded
	}
	if participant.Equals(Participant{}) {
		metrics.RecordEntry("rejected")
		return Ticket{}, ErrInvalidParticipant
	}
	if amount.IsNil() || amount.LT(s.cfg.EntranceFee) {
		metrics.RecordEntry("not_enough_funds")
		sent := "0"
		if !amount.IsNil() {
			sent = amount.String()
		}
		return Ticket{}, fmt.Errorf("%w: sent %s, entrance fee is %s", ErrNotEnoughFunds, sent, s.cfg.EntranceFee)
	}
	if s.state != StateOpen {
		metrics.RecordEntry("not_open")
		return Ticket{}, ErrNotOpen
	}
	if s.collector == nil {
		metrics.RecordEntry("no_collector")
		return Ticket{}, ErrNoCollector
	}

	if err := s.collector.Collect(ctx, participant, amount); err != nil {
		metrics.RecordEntry("not_collected")
		return Ticket{}, fmt.Errorf("%w: %v", ErrFeeNotCollected, err)
	}

	evt := newEvent(EventEntered, s.clock.Now())
	evt.Participant = participant
	evt.Amount = amount
	if _, err := s.commit(ctx, evt); err != nil {
		metrics.RecordEntry("error")
		if refundErr := s.collector.Refund(context.WithoutCancel(ctx), participant, amount); refundErr != nil {
			s.log.WithField("participant", participant.StringLE()).
				WithField("amount", amount.String()).
				WithError(refundErr).
				Error("entry not journaled and fee refund failed; manual reconciliation required")
		}
		return Ticket{}, err
	}

	metrics.RecordEntry("accepted")
	metrics.SetRoundState(len(s.players), s.round)
	s.log.WithField("participant", participant.StringLE()).
		WithField("amount", amount.String()).
		WithField("players", len(s.players)).
		Debug("raffle entered")
	return Ticket{
		Index:      len(s.players) - 1,
		NumPlayers: len(s.players),
		Balance:    s.balance,
	}, nil
}

// CheckUpkeep evaluates whether a round may be closed. It never mutates
// state and may be called at any time.
func (s *Service) CheckUpkeep() UpkeepCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkUpkeepLocked()
}

func (s *Service) checkUpkeepLocked() UpkeepCheck {
	return UpkeepCheck{
		HasBalance: s.balance.IsPositive(),
		HasPlayers: len(s.players) > 0,
		IsOpen:     s.loaded && s.state == StateOpen,
		TimePassed: s.clock.Now().Sub(s.lastTimestamp) >= s.cfg.Interval,
	}
}

// PerformUpkeep closes the round and requests randomness. It fails with an
// *UpkeepNotNeededError unless CheckUpkeep currently reports true.
func (s *Service) PerformUpkeep(ctx context.Context) (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return 0, ErrNotLoaded
	}

	check := s.checkUpkeepLocked()
	if !check.Needed() {
		metrics.RecordUpkeep("not_needed")
		return 0, &UpkeepNotNeededError{
			Check:      check,
			Balance:    s.balance.String(),
			NumPlayers: len(s.players),
			State:      s.state,
		}
	}

	id, err := s.coordinator.RequestRandomWords(ctx, s.cfg.Request, s)
	if err != nil {
		metrics.RecordUpkeep("request_failed")
		return 0, fmt.Errorf("request random words: %w", err)
	}
	if err := s.ledger.CanIssue(id); err != nil {
		metrics.RecordUpkeep("request_rejected")
		return 0, err
	}

	evt := newEvent(EventCloseRequested, s.clock.Now())
	evt.RequestID = id
	if _, err := s.commit(ctx, evt); err != nil {
		metrics.RecordUpkeep("error")
		return 0, err
	}

	metrics.RecordUpkeep("requested")
	s.log.WithField("request_id", id.String()).
		WithField("players", len(s.players)).
		WithField("balance", s.balance.String()).
		Info("raffle closed, randomness requested")
	return id, nil
}

// FulfillRandomWords settles the round for the pending request: the winner
// is players[words[0] mod len(players)] and the whole pot is credited to
// them in custody. Deliveries for any other id are rejected with
// ErrUnknownRequest and change nothing.
func (s *Service) FulfillRandomWords(ctx context.Context, id RequestID, words []RandomWord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return ErrNotLoaded
	}
	if err := s.ledger.Validate(id); err != nil {
		metrics.RecordFulfillment("unknown_request")
		s.log.WithField("request_id", id.String()).WithError(err).Warn("rejected randomness delivery")
		return err
	}
	if s.state != StateCalculating || len(s.players) == 0 {
		metrics.RecordFulfillment("unknown_request")
		return fmt.Errorf("%w: raffle is %s with %d players", ErrUnknownRequest, s.state, len(s.players))
	}
	if len(words) == 0 {
		metrics.RecordFulfillment("no_words")
		return ErrNoRandomWords
	}

	index := winnerIndex(words[0], len(s.players))
	winner := s.players[index]
	pot := s.balance

	evt := newEvent(EventWinnerPicked, s.clock.Now())
	evt.RequestID = id
	evt.Participant = winner
	evt.WinnerIndex = index
	evt.Amount = pot
	evt.Round = s.round + 1
	if _, err := s.commit(ctx, evt); err != nil {
		metrics.RecordFulfillment("error")
		return err
	}

	metrics.RecordFulfillment("winner_picked")
	metrics.SetRoundState(len(s.players), s.round)
	s.log.WithField("request_id", id.String()).
		WithField("winner", winner.StringLE()).
		WithField("winner_index", index).
		WithField("pot", pot.String()).
		WithField("round", s.round).
		Info("raffle winner picked")

	if s.cfg.AutoPayout && s.payer != nil {
		if _, err := s.withdrawLocked(ctx, winner); err != nil {
			s.log.WithField("winner", winner.StringLE()).
				WithError(err).
				Warn("automatic payout failed, winnings stay in custody")
		}
	}
	return nil
}

// winnerIndex reduces word modulo the live player count.
func winnerIndex(word RandomWord, players int) uint64 {
	var idx uint256.Int
	idx.Mod(&word, uint256.NewInt(uint64(players)))
	return idx.Uint64()
}

// Withdraw pays out everything credited to participant. The credit is
// debited in the journal before the transfer; a failed transfer is journaled
// as a reversal, so funds are never paid twice and never silently lost.
func (s *Service) Withdraw(ctx context.Context, participant Participant) (math.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return math.ZeroInt(), ErrNotLoaded
	}
	return s.withdrawLocked(ctx, participant)
}

func (s *Service) withdrawLocked(ctx context.Context, participant Participant) (math.Int, error) {
	owed := s.custody.owed(participant)
	if owed.IsZero() {
		return math.ZeroInt(), ErrNothingToWithdraw
	}
	if s.payer == nil {
		return math.ZeroInt(), ErrNoPayer
	}

	debit := newEvent(EventWithdrawn, s.clock.Now())
	debit.Participant = participant
	debit.Amount = owed
	if _, err := s.commit(ctx, debit); err != nil {
		metrics.RecordPayout("error")
		return math.ZeroInt(), err
	}

	if payErr := s.payer.Pay(ctx, participant, owed); payErr != nil {
		metrics.RecordPayout("failed")
		revert := newEvent(EventPayoutFailed, s.clock.Now())
		revert.Participant = participant
		revert.Amount = owed
		revert.Reason = payErr.Error()
		// A detached context: the reversal must be recorded even when the
		// caller's context is what made the transfer fail.
		if _, err := s.commit(context.WithoutCancel(ctx), revert); err != nil {
			s.log.WithField("participant", participant.StringLE()).
				WithField("amount", owed.String()).
				WithError(err).
				Error("payout failed and reversal could not be journaled; manual reconciliation required")
			return math.ZeroInt(), fmt.Errorf("%w: %v (reversal not recorded: %v)", ErrPayoutFailed, payErr, err)
		}
		return math.ZeroInt(), fmt.Errorf("%w: %v", ErrPayoutFailed, payErr)
	}

	metrics.RecordPayout("paid")
	s.log.WithField("participant", participant.StringLE()).
		WithField("amount", owed.String()).
		Info("raffle winnings paid")
	return owed, nil
}

// commit appends evt to the journal, applies it and publishes it. Nothing in
// memory changes when the append fails.
func (s *Service) commit(ctx context.Context, evt Event) (Event, error) {
	stored, err := s.journal.Append(ctx, evt)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", evt.Type, err)
	}
	if err := s.apply(stored); err != nil {
		// Decisions are validated before they are appended, so this means
		// memory and journal disagree.
		s.log.WithField("seq", stored.Seq).WithError(err).Error("journaled event could not be applied")
		return Event{}, fmt.Errorf("apply %s: %w", stored.Type, err)
	}
	s.bus.Publish(stored)
	return stored, nil
}

// apply folds one event into memory. It is the only place state changes.
func (s *Service) apply(evt Event) error {
	switch evt.Type {
	case EventDeployed:
		s.state = StateOpen
		s.lastTimestamp = evt.At

	case EventEntered:
		if s.state != StateOpen {
			return fmt.Errorf("%w: entry while %s", ErrCorruptJournal, s.state)
		}
		s.players = append(s.players, evt.Participant)
		s.balance = s.balance.Add(evt.Amount)

	case EventCloseRequested:
		if s.state != StateOpen {
			return fmt.Errorf("%w: close requested while %s", ErrCorruptJournal, s.state)
		}
		if err := s.ledger.Issue(evt.RequestID); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJournal, err)
		}
		s.state = StateCalculating

	case EventWinnerPicked:
		if evt.WinnerIndex >= uint64(len(s.players)) || !s.players[evt.WinnerIndex].Equals(evt.Participant) {
			return fmt.Errorf("%w: winner %d does not match players", ErrCorruptJournal, evt.WinnerIndex)
		}
		if err := s.ledger.Consume(evt.RequestID); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJournal, err)
		}
		s.custody.credit(evt.Participant, s.balance)
		winner := evt.Participant
		s.recentWinner = &winner
		s.players = nil
		s.balance = math.ZeroInt()
		s.lastTimestamp = evt.At
		s.state = StateOpen
		s.round = evt.Round

	case EventWithdrawn:
		if !s.custody.debit(evt.Participant, evt.Amount) {
			return fmt.Errorf("%w: withdrawal exceeds credit", ErrCorruptJournal)
		}

	case EventPayoutFailed:
		s.custody.credit(evt.Participant, evt.Amount)

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrCorruptJournal, evt.Type)
	}
	s.lastSeq = evt.Seq
	return nil
}

// EntranceFee returns the configured fee.
func (s *Service) EntranceFee() math.Int {
	return s.cfg.EntranceFee
}

// Interval returns the minimum time between round closes.
func (s *Service) Interval() time.Duration {
	return s.cfg.Interval
}

// RequestParams returns the parameters sent with every randomness request.
func (s *Service) RequestParams() RequestParams {
	return s.cfg.Request
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Player returns the entry at index.
func (s *Service) Player(index int) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.players) {
		return Participant{}, fmt.Errorf("%w: %d of %d", ErrPlayerIndexOutOfRange, index, len(s.players))
	}
	return s.players[index], nil
}

func (s *Service) Players() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, len(s.players))
	copy(out, s.players)
	return out
}

func (s *Service) NumberOfPlayers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// Balance returns the current pot.
func (s *Service) Balance() math.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

func (s *Service) LastTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTimestamp
}

// PendingRequest returns the outstanding request id, if any.
func (s *Service) PendingRequest() (RequestID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Pending()
}

// RecentWinner returns the winner of the last completed round.
func (s *Service) RecentWinner() (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentWinner == nil {
		return Participant{}, false
	}
	return *s.recentWinner, true
}

// Credit returns the winnings held in custody for participant.
func (s *Service) Credit(participant Participant) math.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.custody.owed(participant)
}

// CustodyTotal returns the sum of all unwithdrawn winnings.
func (s *Service) CustodyTotal() math.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.custody.total()
}

// Snapshot returns a consistent copy of the raffle.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	players := make([]Participant, len(s.players))
	copy(players, s.players)
	pending, _ := s.ledger.Pending()
	snap := Snapshot{
		State:          s.state,
		EntranceFee:    s.cfg.EntranceFee,
		Interval:       s.cfg.Interval,
		Players:        players,
		Balance:        s.balance,
		LastTimestamp:  s.lastTimestamp,
		PendingRequest: pending,
		Round:          s.round,
		LastSeq:        s.lastSeq,
	}
	if s.recentWinner != nil {
		w := *s.recentWinner
		snap.RecentWinner = &w
	}
	return snap
}

// Events returns journaled events after afterSeq. Watchers use it to
// rebuild state or to resync after being dropped from the bus.
func (s *Service) Events(ctx context.Context, afterSeq uint64) ([]Event, error) {
	events, err := s.journal.Load(ctx, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

// IsUpkeepNotNeeded unwraps the diagnostics of a failed PerformUpkeep.
func IsUpkeepNotNeeded(err error) (*UpkeepNotNeededError, bool) {
	var target *UpkeepNotNeededError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
