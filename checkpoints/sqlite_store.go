package checkpoints

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoint records, aliases and history rows of one run in
// a SQLite database. Records are stored in the binary codec.
type SQLiteStore struct {
	path  string
	runID string
	codec *CheckpointSaver

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates a store bound to one run; call Init before use
func NewSQLiteStore(path, runID string) *SQLiteStore {
	return &SQLiteStore{
		path:  path,
		runID: runID,
		codec: NewCheckpointSaver(FormatProto),
	}
}

// RunID returns the run the store writes to
func (s *SQLiteStore) RunID() string {
	return s.runID
}

// Init opens the database and creates the schema
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errors.Wrap(err, "open sqlite")
	}
	// A single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "ping sqlite")
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Save inserts the record and moves the aliases in one transaction
func (s *SQLiteStore) Save(ctx context.Context, checkpoint *Checkpoint, isBest bool) (SaveResult, error) {
	db, err := s.getDB()
	if err != nil {
		return SaveResult{}, err
	}
	if checkpoint != nil && checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = s.runID
	}
	payload, err := s.codec.Marshal(checkpoint)
	if err != nil {
		return SaveResult{}, err
	}
	id := checkpoint.Metadata.ID

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, errors.Wrap(err, "begin checkpoint transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, run_id, iteration, accuracy, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, s.runID, checkpoint.Iteration, checkpoint.Accuracy,
		checkpoint.Metadata.CreatedAt.UnixNano(), payload); err != nil {
		return SaveResult{}, errors.Wrapf(err, "insert checkpoint %s", id)
	}

	aliases := []string{AliasLatest}
	if isBest {
		aliases = append(aliases, AliasBest)
	}
	for _, alias := range aliases {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aliases (run_id, name, checkpoint_id)
			VALUES (?, ?, ?)
			ON CONFLICT(run_id, name) DO UPDATE SET
				checkpoint_id = excluded.checkpoint_id
		`, s.runID, alias, id); err != nil {
			return SaveResult{}, errors.Wrapf(err, "update alias %s", alias)
		}
	}

	if err := tx.Commit(); err != nil {
		return SaveResult{}, errors.Wrap(err, "commit checkpoint")
	}
	return SaveResult{ID: id, Ref: id, Bytes: len(payload)}, nil
}

// Load resolves an alias of the store's run or a checkpoint id
func (s *SQLiteStore) Load(ctx context.Context, ref string) (*Checkpoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	id := ref
	if ref == AliasLatest || ref == AliasBest {
		err := db.QueryRowContext(ctx,
			`SELECT checkpoint_id FROM aliases WHERE run_id = ? AND name = ?`,
			s.runID, ref).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errors.Wrapf(ErrNotFound, "alias %s", ref)
			}
			return nil, errors.Wrapf(err, "resolve alias %s", ref)
		}
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "id %s", id)
		}
		return nil, errors.Wrapf(err, "select checkpoint %s", id)
	}

	checkpoint, err := s.codec.Unmarshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", id)
	}
	return checkpoint, nil
}

// Aliases returns alias name -> checkpoint id for the run
func (s *SQLiteStore) Aliases(ctx context.Context) (map[string]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name, checkpoint_id FROM aliases WHERE run_id = ?`, s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "select aliases")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// AppendHistory records one evaluation row; a repeated iteration replaces the row
func (s *SQLiteStore) AppendHistory(ctx context.Context, row HistoryRow) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO history (run_id, iteration, epoch, train_loss, train_acc, test_acc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			epoch = excluded.epoch,
			train_loss = excluded.train_loss,
			train_acc = excluded.train_acc,
			test_acc = excluded.test_acc
	`, s.runID, row.Iteration, row.Epoch, row.TrainLoss, row.TrainAcc, row.TestAcc)
	return errors.Wrap(err, "insert history")
}

// History returns the run's rows ordered by iteration
func (s *SQLiteStore) History(ctx context.Context) ([]HistoryRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT iteration, epoch, train_loss, train_acc, test_acc
		FROM history WHERE run_id = ? ORDER BY iteration
	`, s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.Iteration, &h.Epoch, &h.TrainLoss, &h.TrainAcc, &h.TestAcc); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestRunID returns the run with the most recent checkpoint, or "" for an empty database
func (s *SQLiteStore) LatestRunID(ctx context.Context) (string, error) {
	db, err := s.getDB()
	if err != nil {
		return "", err
	}
	var runID string
	err = db.QueryRowContext(ctx,
		`SELECT run_id FROM checkpoints ORDER BY created_at DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID, errors.Wrap(err, "select latest run")
}

// UseRun switches the run the store reads and writes
func (s *SQLiteStore) UseRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			accuracy REAL NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoints_run ON checkpoints (run_id, iteration)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL REFERENCES checkpoints (id),
			PRIMARY KEY (run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			train_loss REAL NOT NULL,
			train_acc REAL NOT NULL,
			test_acc REAL NOT NULL,
			PRIMARY KEY (run_id, iteration)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create sqlite schema")
		}
	}
	return nil
}
