// Package postgres stores the raffle journal in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// DefaultRaffle names the journal stream when none is configured.
const DefaultRaffle = "default"

// Journal implements raffle.Journal backed by the raffle_events table. Each
// raffle name is an independent stream with its own gapless sequence.
type Journal struct {
	db     *sqlx.DB
	raffle string
}

var _ raffle.Journal = (*Journal)(nil)

// New creates a journal for the named raffle.
func New(db *sqlx.DB, name string) *Journal {
	if name == "" {
		name = DefaultRaffle
	}
	return &Journal{db: db, raffle: name}
}

type eventRow struct {
	Seq     uint64 `db:"seq"`
	Payload []byte `db:"payload"`
}

// Append stores evt in its own transaction. The primary key on
// (raffle, seq) rejects a concurrent writer that computed the same sequence.
func (j *Journal) Append(ctx context.Context, evt raffle.Event) (raffle.Event, error) {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return raffle.Event{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next uint64
	if err := tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM raffle_events
		WHERE raffle = $1
	`, j.raffle); err != nil {
		return raffle.Event{}, fmt.Errorf("next sequence: %w", err)
	}
	evt.Seq = next

	payload, err := json.Marshal(evt)
	if err != nil {
		return raffle.Event{}, fmt.Errorf("encode event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raffle_events (raffle, seq, id, type, at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, j.raffle, evt.Seq, evt.ID, string(evt.Type), evt.At, payload); err != nil {
		return raffle.Event{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return raffle.Event{}, fmt.Errorf("commit append: %w", err)
	}
	return evt, nil
}

// Load returns the events after afterSeq in order.
func (j *Journal) Load(ctx context.Context, afterSeq uint64) ([]raffle.Event, error) {
	var rows []eventRow
	if err := j.db.SelectContext(ctx, &rows, `
		SELECT seq, payload
		FROM raffle_events
		WHERE raffle = $1 AND seq > $2
		ORDER BY seq
	`, j.raffle, afterSeq); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	events := make([]raffle.Event, 0, len(rows))
	for _, row := range rows {
		var evt raffle.Event
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", row.Seq, err)
		}
		evt.Seq = row.Seq
		events = append(events, evt)
	}
	return events, nil
}
