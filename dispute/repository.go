package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

// Store is the docket an arbitrator keeps its cases in.
type Store interface {
	Create(ctx context.Context, subject uint64, metadata []byte) (Case, error)
	Get(ctx context.Context, id ID) (Case, error)
	AddEvidence(ctx context.Context, id ID, ev Evidence) error
	CloseEvidence(ctx context.Context, id ID) (Case, error)
	Resolve(ctx context.Context, id ID, ruling Ruling) (Case, error)
	List(ctx context.Context, status Status) ([]Case, error)
}

// Repository is the Postgres docket.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const caseColumns = `id, subject, metadata, status::text, ruling, created_at, updated_at, resolved_at`

func scanCase(row pgx.Row) (Case, error) {
	var (
		c           Case
		id, subject int64
		status      string
		ruling      int16
	)
	if err := row.Scan(&id, &subject, &c.Metadata, &status, &ruling, &c.CreatedAt, &c.UpdatedAt, &c.ResolvedAt); err != nil {
		return Case{}, err
	}
	c.ID = ID(id)
	c.Subject = uint64(subject)
	c.Status = Status(status)
	c.Ruling = Ruling(ruling)
	return c, nil
}

func (r *Repository) Create(ctx context.Context, subject uint64, metadata []byte) (Case, error) {
	query := `
		INSERT INTO disputes (subject, metadata, status, ruling)
		VALUES ($1, $2, 'under_review', 0)
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, int64(subject), metadata))
	if err != nil {
		return Case{}, fmt.Errorf("dispute: create: %w", err)
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, id ID) (Case, error) {
	query := `SELECT ` + caseColumns + ` FROM disputes WHERE id = $1`

	c, err := scanCase(r.pool.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("dispute: get: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT submitter, data, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY id ASC
	`, int64(id))
	if err != nil {
		return Case{}, fmt.Errorf("dispute: evidence: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.Submitter, &ev.Data, &ev.CreatedAt); err != nil {
			return Case{}, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		c.Evidence = append(c.Evidence, ev)
	}
	if err := rows.Err(); err != nil {
		return Case{}, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return c, nil
}

func (r *Repository) AddEvidence(ctx context.Context, id ID, ev Evidence) error {
	const query = `
		INSERT INTO dispute_evidence (dispute_id, submitter, data)
		SELECT d.id, $2, $3
		FROM disputes d
		WHERE d.id = $1 AND d.status = 'under_review'
	`
	tag, err := r.pool.Exec(ctx, query, int64(id), ev.Submitter, ev.Data)
	if err != nil {
		return fmt.Errorf("dispute: add evidence: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.explain(ctx, id, "add evidence")
}

// CloseEvidence is idempotent for a case whose evidence period already ended.
func (r *Repository) CloseEvidence(ctx context.Context, id ID) (Case, error) {
	query := `
		UPDATE disputes
		SET status = 'evidence_closed', updated_at = now()
		WHERE id = $1 AND status = 'under_review'
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, int64(id)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("dispute: close evidence: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return Case{}, err
	}
	if current.Status == StatusEvidenceClosed {
		return current, nil
	}
	return Case{}, ErrBadStatus
}

func (r *Repository) Resolve(ctx context.Context, id ID, ruling Ruling) (Case, error) {
	if _, err := ruling.Outcome(); err != nil {
		return Case{}, err
	}
	query := `
		UPDATE disputes
		SET status = 'resolved', ruling = $2, updated_at = now(), resolved_at = now()
		WHERE id = $1 AND status <> 'resolved'
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, int64(id), int16(ruling)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return Case{}, r.explain(ctx, id, "resolve")
}

// explain turns a no-op update into ErrNotFound or ErrBadStatus.
func (r *Repository) explain(ctx context.Context, id ID, op string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, int64(id)).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: %s fetch: %w", op, err)
	}
	return ErrBadStatus
}

func (r *Repository) List(ctx context.Context, status Status) ([]Case, error) {
	query := `SELECT ` + caseColumns + ` FROM disputes`
	args := []any{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 8)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
