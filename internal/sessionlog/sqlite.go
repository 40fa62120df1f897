package sessionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLiteLog stores sessions in a SQLite database.
type SQLiteLog struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the session database at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteLog, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &SQLiteLog{db: db, path: path, logger: logger, now: time.Now}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("session log opened", zap.String("path", path))
	return l, nil
}

func (l *SQLiteLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		problem TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS phases (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		phase INTEGER NOT NULL,
		name TEXT NOT NULL,
		result TEXT NOT NULL,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, phase)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		phase INTEGER NOT NULL,
		position TEXT NOT NULL,
		taken_at INTEGER NOT NULL,
		resources TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	_, err := l.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

// Path returns the database file path.
func (l *SQLiteLog) Path() string { return l.path }

func (l *SQLiteLog) Create(ctx context.Context, s SessionRecord) error {
	if err := validateSession(s); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var exists int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, s.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO sessions (id, problem, status, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Problem, StatusInProgress, s.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// openTx begins a transaction and verifies the session is in progress.
func (l *SQLiteLog) openTx(ctx context.Context, id string) (*sql.Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if status != StatusInProgress {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return tx, nil
}

func (l *SQLiteLog) AppendPhase(ctx context.Context, rec PhaseRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.openTx(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM phases WHERE session_id = ?`, rec.SessionID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count phases: %w", err)
	}
	if rec.Phase != count+1 {
		return fmt.Errorf("%w: got phase %d, want %d", ErrOutOfOrder, rec.Phase, count+1)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO phases (session_id, phase, name, result, completed_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Phase, rec.Name, string(rec.Result), rec.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert phase: %w", err)
	}
	return tx.Commit()
}

func (l *SQLiteLog) AppendCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	if rec.TakenAt.IsZero() {
		rec.TakenAt = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.openTx(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE session_id = ?`, rec.SessionID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count checkpoints: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, seq, name, phase, position, taken_at, resources) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, count+1, rec.Name, rec.Phase, rec.Position, rec.TakenAt.UnixNano(), string(rec.Resources))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (l *SQLiteLog) Finish(ctx context.Context, id, status, errMsg string) error {
	if err := validateTerminal(status); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.openTx(ctx, id)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`,
		status, errMsg, l.now().UTC().UnixNano(), id, StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return tx.Commit()
}

func (l *SQLiteLog) Get(ctx context.Context, id string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRowContext(ctx,
		`SELECT id, problem, status, error, created_at, finished_at FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	entry := &Entry{Session: s, Phases: []PhaseRecord{}, Checkpoints: []CheckpointRecord{}}

	rows, err := l.db.QueryContext(ctx,
		`SELECT phase, name, result, completed_at FROM phases WHERE session_id = ? ORDER BY phase`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load phases: %w", err)
	}
	for rows.Next() {
		var (
			p      PhaseRecord
			result string
			at     int64
		)
		if err := rows.Scan(&p.Phase, &p.Name, &result, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		p.SessionID = id
		p.Result = []byte(result)
		p.CompletedAt = time.Unix(0, at).UTC()
		entry.Phases = append(entry.Phases, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = l.db.QueryContext(ctx,
		`SELECT seq, name, phase, position, taken_at, resources FROM checkpoints WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c         CheckpointRecord
			resources string
			at        int64
		)
		if err := rows.Scan(&c.Seq, &c.Name, &c.Phase, &c.Position, &at, &resources); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.SessionID = id
		c.TakenAt = time.Unix(0, at).UTC()
		if resources != "" {
			c.Resources = []byte(resources)
		}
		entry.Checkpoints = append(entry.Checkpoints, c)
	}
	return entry, rows.Err()
}

func (l *SQLiteLog) List(ctx context.Context, limit int) ([]SessionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `SELECT id, problem, status, error, created_at, finished_at FROM sessions ORDER BY created_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var (
		s        SessionRecord
		created  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Problem, &s.Status, &s.Error, &created, &finished); err != nil {
		return SessionRecord{}, err
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		s.FinishedAt = &t
	}
	return s, nil
}

func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
