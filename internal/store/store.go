// Package store persists the threat knowledge base and the rotation and
// adaptation ledgers to PostgreSQL for restart continuity. Round-trip
// fidelity of the data model is the only contract; signatures and events are
// stored as JSON documents alongside the columns worth indexing.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
)

// DBPool abstracts pgxpool.Pool to allow mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides the PostgreSQL persistence layer.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// SaveSignatures upserts the knowledge base. Existing rows are replaced
// wholesale; the document column carries the full signature including its
// countermeasures.
func (s *Store) SaveSignatures(ctx context.Context, sigs []schemas.ThreatSignature) error {
	if len(sigs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	sql := `
        INSERT INTO threat_signatures (hash, threat_type, domain, state, success_rate, sightings, first_seen, last_seen, doc)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (hash) DO UPDATE SET
            state = EXCLUDED.state,
            success_rate = EXCLUDED.success_rate,
            sightings = EXCLUDED.sightings,
            last_seen = EXCLUDED.last_seen,
            doc = EXCLUDED.doc;
    `
	for _, sig := range sigs {
		doc, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("failed to encode signature %s: %w", sig.Hash, err)
		}
		if _, err := tx.Exec(ctx, sql,
			sig.Hash, sig.ThreatType, sig.Domain, string(sig.State),
			sig.SuccessRate, sig.Sightings, sig.FirstSeen, sig.LastSeen, doc,
		); err != nil {
			return fmt.Errorf("failed to upsert signature %s: %w", sig.Hash, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSignatures reads the whole knowledge base back, newest sightings
// first.
func (s *Store) LoadSignatures(ctx context.Context) ([]schemas.ThreatSignature, error) {
	query := `
        SELECT doc
        FROM threat_signatures
        ORDER BY last_seen DESC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	var sigs []schemas.ThreatSignature
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan signature row: %w", err)
		}
		var sig schemas.ThreatSignature
		if err := json.Unmarshal(doc, &sig); err != nil {
			return nil, fmt.Errorf("failed to decode signature document: %w", err)
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return sigs, nil
}

// AppendAdaptationEvents bulk-inserts response ledger entries.
func (s *Store) AppendAdaptationEvents(ctx context.Context, events []schemas.AdaptationEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(events))
	for i, ev := range events {
		actions, err := json.Marshal(ev.Actions)
		if err != nil {
			return fmt.Errorf("failed to encode actions for event %s: %w", ev.ID, err)
		}
		rows[i] = []interface{}{
			ev.ID, ev.SessionID, ev.SignatureHash,
			string(ev.ThreatLevel), ev.Success, actions, ev.Timestamp,
		}
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"adaptation_events"},
		[]string{"id", "session_id", "signature_hash", "threat_level", "success", "actions", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy adaptation events: %w", err)
	}
	if int(copyCount) != len(events) {
		return fmt.Errorf("mismatch in copied event count: expected %d, got %d", len(events), copyCount)
	}
	return nil
}

// AppendRotationRecords bulk-inserts rotation history entries.
func (s *Store) AppendRotationRecords(ctx context.Context, records []schemas.RotationRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		rows[i] = []interface{}{
			r.SessionID, r.Kind, r.OldValue, r.NewValue, r.Reason, r.Timestamp,
		}
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"rotation_records"},
		[]string{"session_id", "kind", "old_value", "new_value", "reason", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy rotation records: %w", err)
	}
	if int(copyCount) != len(records) {
		return fmt.Errorf("mismatch in copied record count: expected %d, got %d", len(records), copyCount)
	}
	return nil
}

// EventsBySignature reads the persisted ledger for one signature, oldest
// first.
func (s *Store) EventsBySignature(ctx context.Context, hash string) ([]schemas.AdaptationEvent, error) {
	query := `
        SELECT id, session_id, threat_level, success, actions, occurred_at
        FROM adaptation_events
        WHERE signature_hash = $1
        ORDER BY occurred_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query adaptation events: %w", err)
	}
	defer rows.Close()

	var events []schemas.AdaptationEvent
	for rows.Next() {
		var ev schemas.AdaptationEvent
		var level string
		var actions []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &level, &ev.Success, &actions, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &ev.Actions); err != nil {
				return nil, fmt.Errorf("failed to decode event actions: %w", err)
			}
		}
		ev.ThreatLevel = schemas.ThreatLevel(level)
		ev.SignatureHash = hash
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}
