package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/raffle_layer/internal/httputil"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

const maxBodyBytes = 64 << 10

// =============================================================================
// Views
// =============================================================================

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	State     string `json:"state"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// PlayerView renders a participant both as a Neo address and a script hash.
type PlayerView struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	ScriptHash string `json:"script_hash"`
}

// RaffleView is the body of GET /raffle.
type RaffleView struct {
	State          string    `json:"state"`
	EntranceFee    string    `json:"entrance_fee"`
	Interval       string    `json:"interval"`
	NumPlayers     int       `json:"num_players"`
	Balance        string    `json:"balance"`
	LastTimestamp  time.Time `json:"last_timestamp"`
	PendingRequest string    `json:"pending_request,omitempty"`
	RecentWinner   string    `json:"recent_winner,omitempty"`
	Round          uint64    `json:"round"`
	LastSeq        uint64    `json:"last_seq"`
	UpkeepNeeded   bool      `json:"upkeep_needed"`
}

// UpkeepView is the body of GET /raffle/upkeep.
type UpkeepView struct {
	raffle.UpkeepCheck
	UpkeepNeeded bool `json:"upkeep_needed"`
}

type enterRequest struct {
	Participant string      `json:"participant"`
	Amount      json.Number `json:"amount"`
}

type withdrawRequest struct {
	Participant string `json:"participant"`
}

func playerView(index int, p raffle.Participant) PlayerView {
	return PlayerView{Index: index, Address: address.Uint160ToString(p), ScriptHash: "0x" + p.StringLE()}
}

// =============================================================================
// Read-only handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Version:   s.opts.Version,
		State:     s.svc.State().String(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	view := RaffleView{
		State:         snap.State.String(),
		EntranceFee:   snap.EntranceFee.String(),
		Interval:      snap.Interval.String(),
		NumPlayers:    len(snap.Players),
		Balance:       snap.Balance.String(),
		LastTimestamp: snap.LastTimestamp,
		Round:         snap.Round,
		LastSeq:       snap.LastSeq,
		UpkeepNeeded:  s.svc.CheckUpkeep().Needed(),
	}
	if snap.PendingRequest != 0 {
		view.PendingRequest = snap.PendingRequest.String()
	}
	if snap.RecentWinner != nil {
		view.RecentWinner = address.Uint160ToString(*snap.RecentWinner)
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	players := s.svc.Players()
	views := make([]PlayerView, 0, len(players))
	for i, p := range players {
		views = append(views, playerView(i, p))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"players": views,
		"count":   len(views),
	})
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_index", "player index must be an integer")
		return
	}
	p, err := s.svc.Player(index)
	if err != nil {
		s.writeRaffleError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, playerView(index, p))
}

func (s *Server) handleWinner(w http.ResponseWriter, r *http.Request) {
	winner, ok := s.svc.RecentWinner()
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "no_winner", "no winner has been picked yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"address":     address.Uint160ToString(winner),
		"script_hash": "0x" + winner.StringLE(),
		"credit":      s.svc.Credit(winner).String(),
	})
}

func (s *Server) handleCheckUpkeep(w http.ResponseWriter, r *http.Request) {
	check := s.svc.CheckUpkeep()
	httputil.WriteJSON(w, http.StatusOK, UpkeepView{UpkeepCheck: check, UpkeepNeeded: check.Needed()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_after", err.Error())
		return
	}
	events, err := s.svc.Events(r.Context(), after)
	if err != nil {
		s.writeRaffleError(w, r, err)
		return
	}
	last := after
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"last_seq": last,
	})
}

// =============================================================================
// Mutating handlers
// =============================================================================

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	participant, err := parseParticipant(req.Participant)
	if err == nil && participant.Equals(raffle.Participant{}) {
		err = raffle.ErrInvalidParticipant
	}
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_participant", err.Error())
		return
	}
	amount, ok := math.NewIntFromString(req.Amount.String())
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_amount", "amount must be an integer")
		return
	}
	// Fees are charged to the participant, so only its owner may enter it.
	if owner, err := parseParticipant(middleware.Subject(r.Context())); err != nil || !owner.Equals(participant) {
		httputil.WriteError(w, http.StatusForbidden, "forbidden", "token subject does not match participant")
		return
	}

	ticket, err := s.svc.Enter(r.Context(), participant, amount)
	if err != nil {
		s.writeRaffleError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"player":      playerView(ticket.Index, participant),
		"num_players": ticket.NumPlayers,
		"balance":     ticket.Balance.String(),
	})
}

func (s *Server) handlePerformUpkeep(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.PerformUpkeep(r.Context())
	if err != nil {
		s.writeRaffleError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": id.String(),
		"state":      s.svc.State().String(),
	})
}

// handleFulfill is the oracle callback. Words may be JSON numbers, decimal
// strings or 0x-prefixed hex strings of up to 256 bits.
func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	id, err := parseRequestID(gjson.GetBytes(body, "request_id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request_id", err.Error())
		return
	}
	wordsRes := gjson.GetBytes(body, "random_words")
	if !wordsRes.IsArray() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_random_words", "random_words must be an array")
		return
	}
	var words []raffle.RandomWord
	var parseErr error
	wordsRes.ForEach(func(key, value gjson.Result) bool {
		word, err := parseWord(value)
		if err != nil {
			parseErr = fmt.Errorf("random_words[%d]: %w", key.Int(), err)
			return false
		}
		words = append(words, word)
		return true
	})
	if parseErr != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_random_words", parseErr.Error())
		return
	}

	log := s.log.WithField("request_id", id.String()).WithField("oracle", middleware.Subject(r.Context()))
	if err := s.svc.FulfillRandomWords(r.Context(), id, words); err != nil {
		log.WithError(err).Warn("fulfilment rejected")
		s.writeRaffleError(w, r, err)
		return
	}

	resp := map[string]any{
		"request_id": id.String(),
		"state":      s.svc.State().String(),
	}
	if winner, ok := s.svc.RecentWinner(); ok {
		resp["winner"] = address.Uint160ToString(winner)
	}
	log.Info("fulfilment accepted")
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	participant, err := parseParticipant(req.Participant)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_participant", err.Error())
		return
	}

	amount, err := s.svc.Withdraw(r.Context(), participant)
	if err != nil {
		s.writeRaffleError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"participant": address.Uint160ToString(participant),
		"amount":      amount.String(),
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) writeRaffleError(w http.ResponseWriter, r *http.Request, err error) {
	if notNeeded, ok := raffle.IsUpkeepNotNeeded(err); ok {
		httputil.WriteErrorDetails(w, http.StatusConflict, "upkeep_not_needed", raffle.ErrUpkeepNotNeeded.Error(), map[string]any{
			"balance":     notNeeded.Balance,
			"num_players": notNeeded.NumPlayers,
			"state":       notNeeded.State.String(),
			"has_balance": notNeeded.Check.HasBalance,
			"has_players": notNeeded.Check.HasPlayers,
			"is_open":     notNeeded.Check.IsOpen,
			"time_passed": notNeeded.Check.TimePassed,
		})
		return
	}

	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, raffle.ErrNotEnoughFunds):
		status, code = http.StatusPaymentRequired, "not_enough_funds"
	case errors.Is(err, raffle.ErrNotOpen):
		status, code = http.StatusConflict, "not_open"
	case errors.Is(err, raffle.ErrInvalidParticipant):
		status, code = http.StatusBadRequest, "invalid_participant"
	case errors.Is(err, raffle.ErrUnknownRequest):
		status, code = http.StatusNotFound, "unknown_request"
	case errors.Is(err, raffle.ErrNoRandomWords):
		status, code = http.StatusBadRequest, "no_random_words"
	case errors.Is(err, raffle.ErrPlayerIndexOutOfRange):
		status, code = http.StatusNotFound, "player_not_found"
	case errors.Is(err, raffle.ErrNothingToWithdraw):
		status, code = http.StatusNotFound, "nothing_to_withdraw"
	case errors.Is(err, raffle.ErrPayoutFailed):
		status, code = http.StatusBadGateway, "payout_failed"
	case errors.Is(err, raffle.ErrNoPayer):
		status, code = http.StatusServiceUnavailable, "payer_not_configured"
	case errors.Is(err, raffle.ErrFeeNotCollected):
		status, code = http.StatusPaymentRequired, "fee_not_collected"
	case errors.Is(err, raffle.ErrNoCollector):
		status, code = http.StatusServiceUnavailable, "collector_not_configured"
	case errors.Is(err, raffle.ErrNotLoaded):
		status, code = http.StatusServiceUnavailable, "not_loaded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "cancelled"
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("raffle request failed")
	}
	httputil.WriteError(w, status, code, err.Error())
}

// parseParticipant accepts a Neo N3 address or a 0x-prefixed little-endian
// script hash.
func parseParticipant(s string) (raffle.Participant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return raffle.Participant{}, errors.New("participant is required")
	}
	if strings.HasPrefix(s, "0x") {
		u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return raffle.Participant{}, fmt.Errorf("invalid script hash: %w", err)
		}
		return u, nil
	}
	u, err := address.StringToUint160(s)
	if err != nil {
		return raffle.Participant{}, fmt.Errorf("invalid address: %w", err)
	}
	return u, nil
}

func parseRequestID(res gjson.Result) (raffle.RequestID, error) {
	var raw string
	switch res.Type {
	case gjson.Number:
		raw = res.Raw
	case gjson.String:
		raw = res.Str
	default:
		return 0, errors.New("request_id is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("request_id must be an unsigned integer")
	}
	return raffle.RequestID(id), nil
}

func parseWord(res gjson.Result) (raffle.RandomWord, error) {
	switch res.Type {
	case gjson.Number:
		word, err := uint256.FromDecimal(res.Raw)
		if err != nil {
			return raffle.RandomWord{}, err
		}
		return *word, nil
	case gjson.String:
		if strings.HasPrefix(res.Str, "0x") {
			return parseHexWord(strings.TrimPrefix(res.Str, "0x"))
		}
		word, err := uint256.FromDecimal(res.Str)
		if err != nil {
			return raffle.RandomWord{}, err
		}
		return *word, nil
	default:
		return raffle.RandomWord{}, errors.New("word must be a number or string")
	}
}

func parseHexWord(digits string) (raffle.RandomWord, error) {
	if digits == "" || len(digits) > 64 {
		return raffle.RandomWord{}, errors.New("hex word must have 1 to 64 digits")
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return raffle.RandomWord{}, err
	}
	var word raffle.RandomWord
	word.SetBytes(b)
	return word, nil
}

func parseAfter(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("after must be an unsigned integer")
	}
	return after, nil
}
