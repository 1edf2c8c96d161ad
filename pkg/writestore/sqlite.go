package writestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id    TEXT PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	version      INTEGER NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	committed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS change_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	version      INTEGER NOT NULL,
	operation    TEXT NOT NULL,
	payload      TEXT,
	committed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_id, version);`

// SQLiteStore is a write store on an embedded SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens path with WAL journaling and a 5 second busy timeout.
// The pool is limited to one connection so transactions serialize instead of
// failing with SQLITE_BUSY.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Transient("writestore.ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Transient("writestore.begin", err)
	}
	defer tx.Rollback()

	var (
		currentType    string
		currentVersion uint64
		deleted        bool
		exists         = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT entity_type, version, deleted FROM entities WHERE entity_id = ?`, cmd.EntityID,
	).Scan(&currentType, &currentVersion, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, types.Transient("writestore.select", err)
	}

	version, err := nextVersion(cmd, exists, currentType, currentVersion, deleted)
	if err != nil {
		return nil, err
	}

	committedAt := s.now().UTC()
	var (
		payload       sql.NullString
		commitPayload json.RawMessage
	)
	if cmd.Operation == types.OperationUpsert {
		payload = sql.NullString{String: string(cmd.Payload), Valid: true}
		commitPayload = cmd.Payload
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO entities (entity_id, entity_type, version, deleted, payload, committed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
	version = excluded.version,
	deleted = excluded.deleted,
	payload = excluded.payload,
	committed_at = excluded.committed_at`,
		cmd.EntityID, string(cmd.EntityType), int64(version), cmd.Operation == types.OperationDelete, payload, committedAt.UnixNano())
	if err != nil {
		return nil, types.Transient("writestore.write", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO change_log (entity_type, entity_id, version, operation, payload, committed_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		string(cmd.EntityType), cmd.EntityID, int64(version), string(cmd.Operation), payload, committedAt.UnixNano())
	if err != nil {
		return nil, types.Transient("writestore.change_log", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, types.Transient("writestore.change_log", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.Transient("writestore.commit", err)
	}

	return &types.Commit{
		CommandID:   cmd.ID,
		EntityType:  cmd.EntityType,
		EntityID:    cmd.EntityID,
		Version:     version,
		Sequence:    uint64(seq),
		Operation:   cmd.Operation,
		Payload:     commitPayload,
		CommittedAt: committedAt,
		Projection:  types.ProjectionNotAttempted,
	}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, entityType types.EntityType, entityID string) (*types.EntityState, error) {
	var (
		state       = types.EntityState{EntityID: entityID}
		storedType  string
		payload     sql.NullString
		committedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, version, deleted, payload, committed_at FROM entities WHERE entity_id = ?`, entityID,
	).Scan(&storedType, &state.Version, &state.Deleted, &payload, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", entityType, entityID, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.Transient("writestore.load", err)
	}
	if entityType != "" && storedType != string(entityType) {
		return nil, fmt.Errorf("entity %s is a %s, not a %s", entityID, storedType, entityType)
	}

	state.EntityType = types.EntityType(storedType)
	if payload.Valid {
		state.Payload = []byte(payload.String)
	}
	state.CommittedAt = time.Unix(0, committedAt).UTC()
	return &state, nil
}

func (s *SQLiteStore) Changes(ctx context.Context, afterSeq uint64, limit int) ([]types.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryChanges(ctx, `
SELECT seq, entity_type, entity_id, version, operation, payload, committed_at
FROM change_log WHERE seq > ? ORDER BY seq LIMIT ?`, int64(afterSeq), limit)
}

func (s *SQLiteStore) ChangesAt(ctx context.Context, seqs []uint64) ([]types.ChangeEvent, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = int64(seq)
	}
	return s.queryChanges(ctx, `
SELECT seq, entity_type, entity_id, version, operation, payload, committed_at
FROM change_log WHERE seq IN (?`+strings.Repeat(",?", len(seqs)-1)+`) ORDER BY seq`, args...)
}

func (s *SQLiteStore) queryChanges(ctx context.Context, query string, args ...any) ([]types.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.Transient("writestore.changes", err)
	}
	defer rows.Close()

	var events []types.ChangeEvent
	for rows.Next() {
		var (
			ev          types.ChangeEvent
			entityType  string
			operation   string
			payload     sql.NullString
			committedAt int64
		)
		if err := rows.Scan(&ev.Sequence, &entityType, &ev.EntityID, &ev.Version, &operation, &payload, &committedAt); err != nil {
			return nil, fmt.Errorf("scan change_log: %w", err)
		}
		ev.EntityType = types.EntityType(entityType)
		ev.Operation = types.Operation(operation)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CommittedAt = time.Unix(0, committedAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Transient("writestore.changes", err)
	}
	return events, nil
}

func (s *SQLiteStore) PurgeChanges(ctx context.Context, uptoSeq uint64, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE seq <= ? AND committed_at < ?`, int64(uptoSeq), olderThan.UnixNano())
	if err != nil {
		return 0, types.Transient("writestore.purge", err)
	}
	return res.RowsAffected()
}
