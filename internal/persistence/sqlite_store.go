package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/petrijr/reflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB using a SQLite driver (for example
// "modernc.org/sqlite"). The caller imports the driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ api.Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the schema in db and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_states (
			flow_id TEXT PRIMARY KEY,
			state BLOB
		);
		CREATE TABLE IF NOT EXISTS flow_results (
			flow_id TEXT NOT NULL,
			method TEXT NOT NULL,
			result BLOB,
			PRIMARY KEY (flow_id, method)
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveState(ctx context.Context, flowID string, state any) error {
	blob, err := EncodeValue(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_states (flow_id, state) VALUES (?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET state = excluded.state`,
		flowID, blob,
	)
	return err
}

func (s *SQLiteStore) LoadState(ctx context.Context, flowID string) (any, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM flow_states WHERE flow_id = ?`, flowID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeValue(blob)
}

func (s *SQLiteStore) SaveResult(ctx context.Context, flowID, method string, result any) error {
	blob, err := EncodeValue(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_results (flow_id, method, result) VALUES (?, ?, ?)
		ON CONFLICT(flow_id, method) DO UPDATE SET result = excluded.result`,
		flowID, method, blob,
	)
	return err
}

func (s *SQLiteStore) LoadResult(ctx context.Context, flowID, method string) (any, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM flow_results WHERE flow_id = ? AND method = ?`, flowID, method,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeValue(blob)
}

func (s *SQLiteStore) Clear(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_states WHERE flow_id = ?`, flowID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_results WHERE flow_id = ?`, flowID)
	return err
}

// TruncateAll wipes both tables. Test helper.
func (s *SQLiteStore) TruncateAll() error {
	if _, err := s.db.Exec(`DELETE FROM flow_states`); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM flow_results`)
	return err
}
