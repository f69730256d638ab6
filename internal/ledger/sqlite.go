package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS port_allocations (
  id             TEXT PRIMARY KEY,
  port           INTEGER NOT NULL,
  router_id      TEXT NOT NULL,
  status         TEXT NOT NULL,
  allocated_at   INTEGER NOT NULL,
  last_heartbeat INTEGER NOT NULL,
  released_at    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alloc_active_port
  ON port_allocations(port) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS idx_alloc_active_router
  ON port_allocations(router_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_alloc_status_heartbeat
  ON port_allocations(status, last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_alloc_port_allocated
  ON port_allocations(port, allocated_at);
`

const schemaV2 = `
ALTER TABLE port_allocations ADD COLUMN probe_user TEXT;
ALTER TABLE port_allocations ADD COLUMN probe_secret TEXT;
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore is the default durable ledger backend.
type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if !hasVersion {
		current = 0
	}

	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, schemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != schemaVersion {
		if err := writeSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

const allocationColumns = `id, port, router_id, status, allocated_at, last_heartbeat, released_at, probe_user, probe_secret`

func (s *SQLiteStore) Claim(alloc Allocation) (Allocation, error) {
	now := s.now()
	row := alloc
	if row.ID == "" {
		row.ID = newHexID("lse_")
	}
	row.Status = StatusActive
	if row.AllocatedAt.IsZero() {
		row.AllocatedAt = now
	}
	row.AllocatedAt = row.AllocatedAt.UTC()
	if row.LastHeartbeat.IsZero() {
		row.LastHeartbeat = row.AllocatedAt
	}
	row.LastHeartbeat = row.LastHeartbeat.UTC()
	row.ReleasedAt = time.Time{}

	var probeUser, probeSecret any
	if row.Credentials != nil {
		probeUser = row.Credentials.Username
		probeSecret = row.Credentials.Secret
	}

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO port_allocations (
  id, port, router_id, status, allocated_at, last_heartbeat, released_at,
  probe_user, probe_secret
) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?);
`,
		row.ID,
		row.Port,
		row.RouterID,
		string(row.Status),
		row.AllocatedAt.UnixNano(),
		row.LastHeartbeat.UnixNano(),
		probeUser,
		probeSecret,
	)
	if err != nil {
		return Allocation{}, mapSQLiteInsertError(err)
	}
	return copyAllocation(&row), nil
}

func (s *SQLiteStore) GetByPort(port int) (Allocation, error) {
	return s.getOne(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE port = ? AND status = ?;
`, port, string(StatusActive))
}

func (s *SQLiteStore) GetByRouter(routerID string) (Allocation, error) {
	return s.getOne(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE router_id = ? AND status = ?;
`, routerID, string(StatusActive))
}

func (s *SQLiteStore) getOne(query string, args ...any) (Allocation, error) {
	row := s.db.QueryRowContext(context.Background(), query, args...)
	alloc, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Allocation{}, ErrNotFound
		}
		return Allocation{}, err
	}
	return alloc, nil
}

func (s *SQLiteStore) UpdateHeartbeat(port int, routerID string) (Allocation, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Allocation{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return Allocation{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	row := conn.QueryRowContext(ctx, `
SELECT `+allocationColumns+`
FROM port_allocations
WHERE port = ? AND status = ?;
`, port, string(StatusActive))
	alloc, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Allocation{}, ErrNotFound
		}
		return Allocation{}, err
	}
	if alloc.RouterID != routerID {
		return Allocation{}, ErrMismatch
	}

	if now := s.now(); now.After(alloc.LastHeartbeat) {
		alloc.LastHeartbeat = now
	}
	if _, err := conn.ExecContext(ctx, `
UPDATE port_allocations
SET last_heartbeat = ?
WHERE id = ?;
`, alloc.LastHeartbeat.UnixNano(), alloc.ID); err != nil {
		return Allocation{}, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return Allocation{}, err
	}
	committed = true
	return alloc, nil
}

func (s *SQLiteStore) Release(port int, routerID string) (bool, error) {
	res, err := s.db.ExecContext(context.Background(), `
UPDATE port_allocations
SET status = ?, released_at = ?
WHERE port = ? AND router_id = ? AND status = ?;
`,
		string(StatusReleased),
		s.now().UnixNano(),
		port,
		routerID,
		string(StatusActive),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) List() ([]Allocation, error) {
	return s.list(`
SELECT `+allocationColumns+`
FROM port_allocations
ORDER BY port ASC, allocated_at ASC;
`)
}

func (s *SQLiteStore) ListActive() ([]Allocation, error) {
	return s.list(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE status = ?
ORDER BY port ASC;
`, string(StatusActive))
}

func (s *SQLiteStore) ListActiveOlderThan(cutoff time.Time) ([]Allocation, error) {
	return s.list(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE status = ? AND last_heartbeat < ?
ORDER BY port ASC;
`, string(StatusActive), cutoff.UTC().UnixNano())
}

func (s *SQLiteStore) list(query string, args ...any) ([]Allocation, error) {
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alloc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetAll() (int, error) {
	res, err := s.db.ExecContext(context.Background(), `
UPDATE port_allocations
SET status = ?, released_at = ?
WHERE status = ?;
`,
		string(StatusReleased),
		s.now().UnixNano(),
		string(StatusActive),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	ctx := context.Background()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = ? AND probe_user IS NOT NULL THEN 1 ELSE 0 END), 0)
FROM port_allocations;
`, string(StatusActive), string(StatusActive)).Scan(&st.Total, &st.Active, &st.WithCredentials)
	if err != nil {
		return Stats{}, err
	}
	st.Released = st.Total - st.Active

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
SELECT MIN(last_heartbeat)
FROM port_allocations
WHERE status = ?;
`, string(StatusActive)).Scan(&oldest)
	if err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		st.OldestActiveHeartbeat = time.Unix(0, oldest.Int64).UTC()
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllocation(r rowScanner) (Allocation, error) {
	var (
		alloc         Allocation
		status        string
		allocatedAt   int64
		lastHeartbeat int64
		releasedAt    sql.NullInt64
		probeUser     sql.NullString
		probeSecret   sql.NullString
	)
	if err := r.Scan(
		&alloc.ID,
		&alloc.Port,
		&alloc.RouterID,
		&status,
		&allocatedAt,
		&lastHeartbeat,
		&releasedAt,
		&probeUser,
		&probeSecret,
	); err != nil {
		return Allocation{}, err
	}
	alloc.Status = Status(status)
	alloc.AllocatedAt = time.Unix(0, allocatedAt).UTC()
	alloc.LastHeartbeat = time.Unix(0, lastHeartbeat).UTC()
	if releasedAt.Valid {
		alloc.ReleasedAt = time.Unix(0, releasedAt.Int64).UTC()
	}
	if probeUser.Valid {
		alloc.Credentials = &Credentials{
			Username: probeUser.String,
			Secret:   probeSecret.String,
		}
	}
	return alloc, nil
}

func mapSQLiteInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return ErrConflict
	}
	return err
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include the base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
