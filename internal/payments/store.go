package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store is the durable read/write path for payment attempts. Both mutating
// CAS primitives are atomic: AttachCorrelation writes only when no
// correlation id is present, TransitionIfPending writes only from PENDING.
type Store interface {
	Insert(ctx context.Context, attempt *PaymentAttempt) error
	// AttachCorrelation fails with ErrAlreadyAttached when a correlation
	// id is already present, ErrUnknownAttempt when the id matches
	// nothing.
	AttachCorrelation(ctx context.Context, id, correlationID string) error
	// TransitionIfPending reports whether this call performed the
	// transition. An attempt already terminal yields (false, nil).
	TransitionIfPending(ctx context.Context, correlationID string, method Method, status Status, resolvedAt time.Time) (bool, error)
	GetByID(ctx context.Context, id string) (*PaymentAttempt, error)
	GetByCorrelation(ctx context.Context, correlationID string, method Method) (*PaymentAttempt, error)
}

var storeTracer = otel.Tracer("attempt-store")

// PostgresStore keeps attempts in the payment_attempts table. The unique
// index on (method, correlation_id) is what makes correlation lookups safe
// under concurrent delivery.
type PostgresStore struct {
	dbpool *pgxpool.Pool
}

func NewPostgresStore(dbpool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbpool: dbpool}
}

const schema = `
CREATE TABLE IF NOT EXISTS payment_attempts (
	id             TEXT PRIMARY KEY,
	amount         BIGINT NOT NULL,
	currency       TEXT NOT NULL,
	method         TEXT NOT NULL,
	correlation_id TEXT,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	payer_contact  TEXT NOT NULL,
	subject_ref    TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	resolved_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS payment_attempts_method_correlation
	ON payment_attempts (method, correlation_id)
	WHERE correlation_id IS NOT NULL;
`

// Migrate creates the attempts table. Called once at startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.dbpool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, attempt *PaymentAttempt) error {
	ctx, span := storeTracer.Start(ctx, "store.insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("attempt.id", attempt.ID),
		attribute.String("attempt.method", string(attempt.Method)),
	)

	_, err := s.dbpool.Exec(ctx,
		`INSERT INTO payment_attempts
			(id, amount, currency, method, correlation_id, status, payer_contact, subject_ref, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		attempt.ID, attempt.Amount, attempt.Currency, attempt.Method,
		attempt.CorrelationID, attempt.Status, attempt.PayerContact,
		attempt.SubjectRef, attempt.CreatedAt, attempt.ResolvedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

func (s *PostgresStore) AttachCorrelation(ctx context.Context, id, correlationID string) error {
	ctx, span := storeTracer.Start(ctx, "store.attach-correlation")
	defer span.End()
	span.SetAttributes(attribute.String("attempt.id", id))

	tag, err := s.dbpool.Exec(ctx,
		`UPDATE payment_attempts SET correlation_id = $2
		 WHERE id = $1 AND correlation_id IS NULL`,
		id, correlationID,
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row written: either the attempt does not exist or a correlation
	// id is already there.
	var existing *string
	err = s.dbpool.QueryRow(ctx,
		`SELECT correlation_id FROM payment_attempts WHERE id = $1`, id,
	).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownAttempt
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	return ErrAlreadyAttached
}

func (s *PostgresStore) TransitionIfPending(ctx context.Context, correlationID string, method Method, status Status, resolvedAt time.Time) (bool, error) {
	ctx, span := storeTracer.Start(ctx, "store.transition-if-pending")
	defer span.End()
	span.SetAttributes(
		attribute.String("attempt.correlation_id", correlationID),
		attribute.String("attempt.method", string(method)),
		attribute.String("attempt.status", string(status)),
	)

	tag, err := s.dbpool.Exec(ctx,
		`UPDATE payment_attempts SET status = $3, resolved_at = $4
		 WHERE correlation_id = $1 AND method = $2 AND status = 'PENDING'`,
		correlationID, method, status, resolvedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Lost the race or duplicate delivery: fine as long as the attempt
	// exists at all.
	_, err = s.GetByCorrelation(ctx, correlationID, method)
	if err != nil {
		return false, err
	}
	return false, nil
}

const attemptColumns = `id, amount, currency, method, COALESCE(correlation_id, ''), status, payer_contact, subject_ref, created_at, resolved_at`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*PaymentAttempt, error) {
	row := s.dbpool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

func (s *PostgresStore) GetByCorrelation(ctx context.Context, correlationID string, method Method) (*PaymentAttempt, error) {
	row := s.dbpool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts
		 WHERE correlation_id = $1 AND method = $2`, correlationID, method)
	return scanAttempt(row)
}

func scanAttempt(row pgx.Row) (*PaymentAttempt, error) {
	var a PaymentAttempt
	err := row.Scan(&a.ID, &a.Amount, &a.Currency, &a.Method, &a.CorrelationID,
		&a.Status, &a.PayerContact, &a.SubjectRef, &a.CreatedAt, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownAttempt
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
