package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the PostgreSQL error code for unique constraint failures.
const uniqueViolation = "23505"

const siteColumns = `id, slug, tenant_id, namespace, domains, tls_enabled, tls_issuer,
	cpu_millicores, memory_bytes, disk_bytes, image, container_port, state, attempts,
	reservation_token, handles, last_error, created_at, updated_at,
	last_reconciled_at, deletion_requested_at`

const tenantColumns = `id, namespace, cpu_limit, memory_limit, disk_limit,
	cpu_used, memory_used, disk_used, site_count, generation`

const reservationColumns = `token, tenant_id, site_id, cpu_millicores, memory_bytes,
	disk_bytes, released`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn through the pgx driver and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables and indexes when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateSite inserts a new site.
func (s *PostgresStore) CreateSite(ctx context.Context, site *sitesv1alpha1.Site) error {
	domains, err := json.Marshal(site.Domains)
	if err != nil {
		return fmt.Errorf("failed to marshal domains: %w", err)
	}
	handles, err := json.Marshal(site.Handles)
	if err != nil {
		return fmt.Errorf("failed to marshal handles: %w", err)
	}
	lastError, err := marshalSiteError(site.LastError)
	if err != nil {
		return err
	}

	query := `INSERT INTO sites (` + siteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err = s.db.ExecContext(ctx, query,
		site.ID,
		site.Slug,
		site.TenantID,
		site.Namespace,
		domains,
		site.TLS.Enabled,
		site.TLS.Issuer,
		site.Resources.CPUMillicores,
		site.Resources.MemoryBytes,
		site.Resources.DiskBytes,
		site.Image,
		site.ContainerPort,
		string(site.State),
		site.Attempts,
		site.ReservationToken,
		handles,
		lastError,
		site.CreatedAt,
		site.UpdatedAt,
		nullTime(site.LastReconciledAt),
		nullTime(site.DeletionRequestedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to insert site: %w", err)
	}
	return nil
}

// GetSite retrieves a site by id.
func (s *PostgresStore) GetSite(ctx context.Context, id string) (*sitesv1alpha1.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE id = $1`
	return scanSite(s.db.QueryRowContext(ctx, query, id))
}

// GetSiteBySlug retrieves the non-deleted site using slug.
func (s *PostgresStore) GetSiteBySlug(ctx context.Context, slug string) (*sitesv1alpha1.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE slug = $1 AND state <> 'deleted'`
	return scanSite(s.db.QueryRowContext(ctx, query, slug))
}

// ListSites returns the sites matching filter, oldest first.
func (s *PostgresStore) ListSites(ctx context.Context, filter Filter) ([]*sitesv1alpha1.Site, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where = append(where, "tenant_id = $"+strconv.Itoa(len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			args = append(args, string(state))
			placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + siteColumns + ` FROM sites`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []*sitesv1alpha1.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sites: %w", err)
	}
	return sites, nil
}

// UpdateState applies tr when the stored state equals tr.From.
func (s *PostgresStore) UpdateState(
	ctx context.Context,
	id string,
	tr Transition,
) (*sitesv1alpha1.Site, error) {
	if err := tr.validate(); err != nil {
		return nil, err
	}

	handles, err := json.Marshal(tr.Handles)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handles: %w", err)
	}
	lastError, err := marshalSiteError(tr.LastError)
	if err != nil {
		return nil, err
	}

	query := `UPDATE sites
		SET state = $3, attempts = $4, last_error = $5, reservation_token = $6,
			handles = $7, last_reconciled_at = $8, updated_at = $8
		WHERE id = $1 AND state = $2
		RETURNING ` + siteColumns

	site, err := scanSite(s.db.QueryRowContext(ctx, query,
		id,
		string(tr.From),
		string(tr.To),
		tr.Attempts,
		lastError,
		tr.ReservationToken,
		handles,
		tr.At,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, s.missOrStale(ctx, id)
	}
	return site, err
}

// RequestDeletion marks the site for deletion.
func (s *PostgresStore) RequestDeletion(
	ctx context.Context,
	id string,
	at time.Time,
) (*sitesv1alpha1.Site, error) {
	query := `UPDATE sites
		SET deletion_requested_at = $2, updated_at = $2
		WHERE id = $1 AND deletion_requested_at IS NULL AND state NOT IN ('deleting', 'deleted')
		RETURNING ` + siteColumns

	site, err := scanSite(s.db.QueryRowContext(ctx, query, id, at))
	if errors.Is(err, ErrNotFound) {
		return nil, s.missOrStale(ctx, id)
	}
	return site, err
}

// DeleteSite removes the record of a deleted site.
func (s *PostgresStore) DeleteSite(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = $1 AND state = 'deleted'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

// missOrStale tells apart a conditional write that matched nothing because
// the site is gone from one that lost against a concurrent change.
func (s *PostgresStore) missOrStale(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sites WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check site: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

// PutTenant creates the tenant or updates its namespace and limits.
func (s *PostgresStore) PutTenant(ctx context.Context, tenant *sitesv1alpha1.Tenant) error {
	query := `INSERT INTO tenants (id, namespace, cpu_limit, memory_limit, disk_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			cpu_limit = EXCLUDED.cpu_limit,
			memory_limit = EXCLUDED.memory_limit,
			disk_limit = EXCLUDED.disk_limit,
			generation = tenants.generation + 1`

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Namespace,
		tenant.Limits.CPUMillicores,
		tenant.Limits.MemoryBytes,
		tenant.Limits.DiskBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*sitesv1alpha1.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(s.db.QueryRowContext(ctx, query, id))
}

// ListTenants returns every tenant ordered by id.
func (s *PostgresStore) ListTenants(ctx context.Context) ([]*sitesv1alpha1.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*sitesv1alpha1.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return tenants, nil
}

// ActiveReservation returns the unreleased reservation of a site, or nil.
func (s *PostgresStore) ActiveReservation(
	ctx context.Context,
	siteID string,
) (*sitesv1alpha1.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE site_id = $1 AND NOT released`
	res, err := scanReservation(s.db.QueryRowContext(ctx, query, siteID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return res, err
}

// GetReservation retrieves a reservation by token.
func (s *PostgresStore) GetReservation(
	ctx context.Context,
	token string,
) (*sitesv1alpha1.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE token = $1`
	return scanReservation(s.db.QueryRowContext(ctx, query, token))
}

// CommitReservation stores the tenant usage totals and the reservation in one
// transaction.
func (s *PostgresStore) CommitReservation(
	ctx context.Context,
	tenant *sitesv1alpha1.Tenant,
	res *sitesv1alpha1.Reservation,
) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `UPDATE tenants
		SET cpu_used = $2, memory_used = $3, disk_used = $4, site_count = $5,
			generation = generation + 1
		WHERE id = $1 AND generation = $6`,
		tenant.ID,
		tenant.Used.CPUMillicores,
		tenant.Used.MemoryBytes,
		tenant.Used.DiskBytes,
		tenant.SiteCount,
		tenant.Generation,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant usage: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenant.ID).
			Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check tenant: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleState
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token) DO UPDATE SET released = EXCLUDED.released`,
		res.Token,
		res.TenantID,
		res.SiteID,
		res.Resources.CPUMillicores,
		res.Resources.MemoryBytes,
		res.Resources.DiskBytes,
		res.Released,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrStaleState
		}
		return fmt.Errorf("failed to store reservation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	tenant.Generation++
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSite(row scanner) (*sitesv1alpha1.Site, error) {
	var (
		site                    sitesv1alpha1.Site
		state                   string
		domains, handles        []byte
		lastError               []byte
		reconciledAt, deletedAt sql.NullTime
	)

	err := row.Scan(
		&site.ID,
		&site.Slug,
		&site.TenantID,
		&site.Namespace,
		&domains,
		&site.TLS.Enabled,
		&site.TLS.Issuer,
		&site.Resources.CPUMillicores,
		&site.Resources.MemoryBytes,
		&site.Resources.DiskBytes,
		&site.Image,
		&site.ContainerPort,
		&state,
		&site.Attempts,
		&site.ReservationToken,
		&handles,
		&lastError,
		&site.CreatedAt,
		&site.UpdatedAt,
		&reconciledAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan site: %w", err)
	}

	site.State = sitesv1alpha1.State(state)
	if err := json.Unmarshal(domains, &site.Domains); err != nil {
		return nil, fmt.Errorf("failed to unmarshal domains of site %s: %w", site.ID, err)
	}
	if len(handles) > 0 {
		if err := json.Unmarshal(handles, &site.Handles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal handles of site %s: %w", site.ID, err)
		}
	}
	if len(lastError) > 0 {
		site.LastError = &sitesv1alpha1.SiteError{}
		if err := json.Unmarshal(lastError, site.LastError); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last error of site %s: %w", site.ID, err)
		}
	}
	if reconciledAt.Valid {
		site.LastReconciledAt = &reconciledAt.Time
	}
	if deletedAt.Valid {
		site.DeletionRequestedAt = &deletedAt.Time
	}
	return &site, nil
}

func scanTenant(row scanner) (*sitesv1alpha1.Tenant, error) {
	var tenant sitesv1alpha1.Tenant
	err := row.Scan(
		&tenant.ID,
		&tenant.Namespace,
		&tenant.Limits.CPUMillicores,
		&tenant.Limits.MemoryBytes,
		&tenant.Limits.DiskBytes,
		&tenant.Used.CPUMillicores,
		&tenant.Used.MemoryBytes,
		&tenant.Used.DiskBytes,
		&tenant.SiteCount,
		&tenant.Generation,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return &tenant, nil
}

func scanReservation(row scanner) (*sitesv1alpha1.Reservation, error) {
	var res sitesv1alpha1.Reservation
	err := row.Scan(
		&res.Token,
		&res.TenantID,
		&res.SiteID,
		&res.Resources.CPUMillicores,
		&res.Resources.MemoryBytes,
		&res.Resources.DiskBytes,
		&res.Released,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	return &res, nil
}

// marshalSiteError returns the JSON column value for e, or a nil interface
// so the column is stored as NULL.
func marshalSiteError(e *sitesv1alpha1.SiteError) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal site error: %w", err)
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
