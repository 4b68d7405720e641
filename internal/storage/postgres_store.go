package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: db}
	if err := p.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate applies the bundled schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_dispatch.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return mapErr(err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return mapErr(p.db.PingContext(ctx))
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return mapErr(sqlTx.Commit())
}

// Register and Lookup back the place registry with the place table.
func (p *PostgresStore) Register(ctx context.Context, name string, pt models.Point) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO place (name, x, y) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET x = EXCLUDED.x, y = EXCLUDED.y`, name, pt.X, pt.Y)
	return mapErr(err)
}

func (p *PostgresStore) Lookup(ctx context.Context, name string) (models.Point, error) {
	var pt models.Point
	err := p.db.QueryRowContext(ctx, `SELECT x, y FROM place WHERE name = $1`, name).Scan(&pt.X, &pt.Y)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Point{}, geo.ErrUnknownPlace
	}
	return pt, mapErr(err)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) AppendDeclaration(ctx context.Context, d models.AvailabilityDeclaration) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO available (driver_id, declared_at, x, y) VALUES ($1, $2, $3, $4)`,
		string(d.DriverID), d.DeclaredAt, d.Location.X, d.Location.Y)
	return mapErr(err)
}

func (t *pgTx) AvailableDrivers(ctx context.Context, box models.Box, asOf time.Time) ([]models.AvailableDriver, error) {
	xLo, xHi, yLo, yHi := geo.Bounds(box)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT a.driver_id, a.x, a.y
		FROM (
			SELECT DISTINCT ON (driver_id) driver_id, declared_at, x, y
			FROM available
			WHERE declared_at <= $5
			ORDER BY driver_id, declared_at DESC, seq DESC
		) a
		WHERE a.x BETWEEN $1 AND $2 AND a.y BETWEEN $3 AND $4
		  AND NOT EXISTS (
			SELECT 1 FROM dispatch d
			WHERE d.driver_id = a.driver_id
			  AND d.dispatched_at >= a.declared_at
			  AND d.dispatched_at <= $5
		  )
		ORDER BY a.driver_id`, xLo, xHi, yLo, yHi, asOf)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []models.AvailableDriver
	for rows.Next() {
		var d models.AvailableDriver
		if err := rows.Scan(&d.DriverID, &d.Location.X, &d.Location.Y); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, d)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) AppendRequest(ctx context.Context, r models.Request) error {
	var source sql.NullString
	if r.Source != "" {
		source = sql.NullString{String: r.Source, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO request (request_id, client_id, source, x, y, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(r.ID), string(r.ClientID), source, r.Location.X, r.Location.Y, r.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) OpenRequests(ctx context.Context, box models.Box, asOf time.Time) ([]models.OpenRequest, error) {
	xLo, xHi, yLo, yHi := geo.Bounds(box)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT r.request_id, r.client_id, r.x, r.y, r.created_at
		FROM request r
		WHERE r.created_at <= $5
		  AND r.x BETWEEN $1 AND $2 AND r.y BETWEEN $3 AND $4
		  AND NOT EXISTS (SELECT 1 FROM dispatch d WHERE d.request_id = r.request_id)
		  AND NOT EXISTS (SELECT 1 FROM pickup p WHERE p.request_id = r.request_id)
		ORDER BY r.created_at, r.request_id`, xLo, xHi, yLo, yHi, asOf)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []models.OpenRequest
	for rows.Next() {
		var r models.OpenRequest
		if err := rows.Scan(&r.RequestID, &r.ClientID, &r.Location.X, &r.Location.Y, &r.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) DispatchedRequest(ctx context.Context, driverID models.DriverID, clientID models.ClientID, notAfter time.Time) (models.RequestID, bool, error) {
	var id models.RequestID
	err := t.tx.QueryRowContext(ctx, `
		SELECT d.request_id
		FROM dispatch d
		JOIN request r ON r.request_id = d.request_id
		LEFT JOIN pickup p ON p.request_id = d.request_id
		WHERE d.driver_id = $1 AND r.client_id = $2 AND d.dispatched_at <= $3
		ORDER BY (p.request_id IS NOT NULL), d.dispatched_at, d.request_id
		LIMIT 1`, string(driverID), string(clientID), notAfter).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return id, true, nil
}

func (t *pgTx) PickupExists(ctx context.Context, driverID models.DriverID, clientID models.ClientID, at time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pickup p
			JOIN dispatch d ON d.request_id = p.request_id
			JOIN request r ON r.request_id = p.request_id
			WHERE d.driver_id = $1 AND r.client_id = $2 AND p.picked_up_at = $3
		)`, string(driverID), string(clientID), at).Scan(&exists)
	return exists, mapErr(err)
}

func (t *pgTx) RequestStatus(ctx context.Context, id models.RequestID) (models.RequestStatus, bool, error) {
	var st string
	err := t.tx.QueryRowContext(ctx, `
		SELECT CASE
			WHEN EXISTS (SELECT 1 FROM pickup p WHERE p.request_id = r.request_id) THEN 'picked_up'
			WHEN EXISTS (SELECT 1 FROM dispatch d WHERE d.request_id = r.request_id) THEN 'dispatched'
			ELSE 'open'
		END
		FROM request r
		WHERE r.request_id = $1`, string(id)).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return models.RequestStatus(st), true, nil
}

// AppendDispatch re-checks driver eligibility in the same statement as the
// insert; a driver superseded by another transaction yields ErrConflict.
func (t *pgTx) AppendDispatch(ctx context.Context, rec models.DispatchRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO dispatch (request_id, driver_id, x, y, dispatched_at)
		SELECT $1::text, $2::text, $3::float8, $4::float8, $5::timestamptz
		WHERE EXISTS (
			SELECT 1 FROM available a WHERE a.driver_id = $2::text AND a.declared_at <= $5::timestamptz
		) AND NOT EXISTS (
			SELECT 1 FROM dispatch d
			WHERE d.driver_id = $2::text
			  AND d.dispatched_at <= $5::timestamptz
			  AND d.dispatched_at >= (
				SELECT max(a.declared_at) FROM available a
				WHERE a.driver_id = $2::text AND a.declared_at <= $5::timestamptz
			  )
		)`, string(rec.RequestID), string(rec.DriverID), rec.Location.X, rec.Location.Y, rec.DispatchedAt)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapErr(err)
	} else if n == 0 {
		return fmt.Errorf("driver %s no longer available: %w", rec.DriverID, ErrConflict)
	}
	return nil
}

func (t *pgTx) AppendPickup(ctx context.Context, rec models.PickupRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO pickup (request_id, picked_up_at)
		SELECT d.request_id, $2::timestamptz
		FROM dispatch d
		WHERE d.request_id = $1::text AND d.dispatched_at <= $2::timestamptz`,
		string(rec.RequestID), rec.PickedUpAt)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapErr(err)
	} else if n == 0 {
		return fmt.Errorf("pickup of request %s: %w", rec.RequestID, ledger.ErrNotFound)
	}
	return nil
}

func (t *pgTx) BillingTotals(ctx context.Context, clients []models.ClientID) (map[models.ClientID]float64, error) {
	ids := make([]string, len(clients))
	for i, c := range clients {
		ids[i] = string(c)
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT r.client_id, SUM(b.amount)::float8
		FROM billed b
		JOIN request r ON r.request_id = b.request_id
		WHERE r.client_id = ANY($1)
		GROUP BY r.client_id`, pq.Array(ids))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := make(map[models.ClientID]float64, len(clients))
	for rows.Next() {
		var c models.ClientID
		var total float64
		if err := rows.Scan(&c, &total); err != nil {
			return nil, mapErr(err)
		}
		out[c] = total
	}
	return out, mapErr(rows.Err())
}

// mapErr translates driver failures into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
