package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/vitrine/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write matched no rows
	// because the row is no longer in the expected state.
	ErrConflict = errors.New("conflicting update")

	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// Querier is the set of persistence operations used by the transaction service.
// *Store implements it against Postgres; memstore implements it in memory.
type Querier interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
	CreateListing(ctx context.Context, params CreateListingParams) (*Listing, error)
	// TransitionListing moves a listing from one status to another and reports
	// whether the listing was in the from status.
	TransitionListing(ctx context.Context, id string, from, to ListingStatus) (bool, error)

	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, params CreateUserParams) (*User, error)

	CreateTransaction(ctx context.Context, params CreateTransactionParams) (*Transaction, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error)
	UpdateTransaction(ctx context.Context, params UpdateTransactionParams) (*Transaction, error)
	ListExpiredPendingTransactions(ctx context.Context, now time.Time, limit int32) ([]*Transaction, error)
	GetSellerStatusTotals(ctx context.Context, sellerID string) ([]StatusTotal, error)

	AppendEvent(ctx context.Context, params CreateEventParams) (*Event, error)
	ListEvents(ctx context.Context, transactionID string) ([]Event, error)

	CreateRefund(ctx context.Context, params CreateRefundParams) (*Refund, error)
	GetRefundByTransaction(ctx context.Context, transactionID string) (*Refund, error)
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for the service.
// Queries run against the pool, or against a pgx.Tx inside WithTx.
type Store struct {
	pool    *pgxpool.Pool
	db      dbtx
	metrics *metrics.Metrics
	inTx    bool
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		db:      pool,
		metrics: m,
	}
}

// WithTx runs fn inside a database transaction. The transaction commits if fn
// returns nil and rolls back otherwise. Calling WithTx on a Store that is
// already inside a transaction reuses it.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &Store{
		pool:    s.pool,
		db:      tx,
		metrics: s.metrics,
		inTx:    true,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}

// translateError maps driver errors onto the package's sentinel errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

var _ Querier = (*Store)(nil)
