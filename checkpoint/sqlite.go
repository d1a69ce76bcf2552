package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/justSteve/claude-flow/core"
	_ "modernc.org/sqlite"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	group_id   TEXT PRIMARY KEY,
	protocol   TEXT NOT NULL,
	round      INTEGER NOT NULL,
	state      BLOB,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore persists checkpoint records in a local SQLite database. The
// single-row upsert per group runs as one statement, so a crash mid-write
// never exposes a partial record.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint db: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(groupID string) (core.CheckpointRecord, error) {
	var rec core.CheckpointRecord
	row := s.db.QueryRow(
		`SELECT group_id, protocol, round, state FROM checkpoints WHERE group_id = ?`, groupID)
	var protocol string
	err := row.Scan(&rec.GroupID, &protocol, &rec.Round, (*[]byte)(&rec.State))
	if errors.Is(err, sql.ErrNoRows) {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint for group %s: %w", groupID, core.ErrNotFound)
	}
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("read checkpoint: %w", err)
	}
	rec.Protocol = core.ProtocolKind(protocol)
	return rec, nil
}

func (s *SQLiteStore) Put(groupID string, rec core.CheckpointRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (group_id, protocol, round, state, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(group_id) DO UPDATE SET
			protocol = excluded.protocol,
			round = excluded.round,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP`,
		groupID, string(rec.Protocol), rec.Round, []byte(rec.State))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCheckpointWriteFailed, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
