package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS port_allocations (
  id             TEXT PRIMARY KEY,
  port           INTEGER NOT NULL,
  router_id      TEXT NOT NULL,
  status         TEXT NOT NULL,
  allocated_at   TIMESTAMPTZ NOT NULL,
  last_heartbeat TIMESTAMPTZ NOT NULL,
  released_at    TIMESTAMPTZ,
  probe_user     TEXT,
  probe_secret   TEXT
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

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// PostgresStore backs the ledger with PostgreSQL for deployments that already
// run one. Selected by DSN at startup.
type PostgresStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *PostgresStore) Claim(alloc Allocation) (Allocation, error) {
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
) VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8)
`,
		row.ID,
		row.Port,
		row.RouterID,
		string(row.Status),
		row.AllocatedAt,
		row.LastHeartbeat,
		probeUser,
		probeSecret,
	)
	if err != nil {
		return Allocation{}, mapPostgresInsertError(err)
	}
	return copyAllocation(&row), nil
}

func (s *PostgresStore) GetByPort(port int) (Allocation, error) {
	return s.getOne(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE port = $1 AND status = $2
`, port, string(StatusActive))
}

func (s *PostgresStore) GetByRouter(routerID string) (Allocation, error) {
	return s.getOne(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE router_id = $1 AND status = $2
`, routerID, string(StatusActive))
}

func (s *PostgresStore) getOne(query string, args ...any) (Allocation, error) {
	row := s.db.QueryRowContext(context.Background(), query, args...)
	alloc, err := scanPostgresAllocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Allocation{}, ErrNotFound
		}
		return Allocation{}, err
	}
	return alloc, nil
}

func (s *PostgresStore) UpdateHeartbeat(port int, routerID string) (Allocation, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Allocation{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+allocationColumns+`
FROM port_allocations
WHERE port = $1 AND status = $2
FOR UPDATE
`, port, string(StatusActive))
	alloc, err := scanPostgresAllocation(row)
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
	if _, err := tx.ExecContext(ctx, `
UPDATE port_allocations
SET last_heartbeat = $1
WHERE id = $2
`, alloc.LastHeartbeat, alloc.ID); err != nil {
		return Allocation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Allocation{}, err
	}
	committed = true
	return alloc, nil
}

func (s *PostgresStore) Release(port int, routerID string) (bool, error) {
	res, err := s.db.ExecContext(context.Background(), `
UPDATE port_allocations
SET status = $1, released_at = $2
WHERE port = $3 AND router_id = $4 AND status = $5
`,
		string(StatusReleased),
		s.now(),
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

func (s *PostgresStore) List() ([]Allocation, error) {
	return s.list(`
SELECT `+allocationColumns+`
FROM port_allocations
ORDER BY port ASC, allocated_at ASC
`)
}

func (s *PostgresStore) ListActive() ([]Allocation, error) {
	return s.list(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE status = $1
ORDER BY port ASC
`, string(StatusActive))
}

func (s *PostgresStore) ListActiveOlderThan(cutoff time.Time) ([]Allocation, error) {
	return s.list(`
SELECT `+allocationColumns+`
FROM port_allocations
WHERE status = $1 AND last_heartbeat < $2
ORDER BY port ASC
`, string(StatusActive), cutoff.UTC())
}

func (s *PostgresStore) list(query string, args ...any) ([]Allocation, error) {
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		alloc, err := scanPostgresAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alloc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResetAll() (int, error) {
	res, err := s.db.ExecContext(context.Background(), `
UPDATE port_allocations
SET status = $1, released_at = $2
WHERE status = $3
`,
		string(StatusReleased),
		s.now(),
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

func (s *PostgresStore) Stats() (Stats, error) {
	ctx := context.Background()

	var st Stats
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = $1 AND probe_user IS NOT NULL THEN 1 ELSE 0 END), 0),
  MIN(last_heartbeat) FILTER (WHERE status = $1)
FROM port_allocations
`, string(StatusActive)).Scan(&st.Total, &st.Active, &st.WithCredentials, &oldest)
	if err != nil {
		return Stats{}, err
	}
	st.Released = st.Total - st.Active
	if oldest.Valid {
		st.OldestActiveHeartbeat = oldest.Time.UTC()
	}
	return st, nil
}

func scanPostgresAllocation(r rowScanner) (Allocation, error) {
	var (
		alloc         Allocation
		status        string
		allocatedAt   time.Time
		lastHeartbeat time.Time
		releasedAt    sql.NullTime
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
	alloc.AllocatedAt = allocatedAt.UTC()
	alloc.LastHeartbeat = lastHeartbeat.UTC()
	if releasedAt.Valid {
		alloc.ReleasedAt = releasedAt.Time.UTC()
	}
	if probeUser.Valid {
		alloc.Credentials = &Credentials{
			Username: probeUser.String,
			Secret:   probeSecret.String,
		}
	}
	return alloc, nil
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
