// Package postgres implements store.Store on pgx. Row locks use
// SELECT ... FOR UPDATE inside the caller's transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct{ tx pgx.Tx }

// stageArray lists MPO statuses in lifecycle order so SQL can compare ranks
// with array_position.
var stageArray = func() string {
	stages := []domain.MPOStatus{
		domain.MPODraft, domain.MPOOpen, domain.MPOOriginTrackingEntered,
		domain.MPOShippedOrigin, domain.MPOArrivedIntermediate,
		domain.MPOShippedDestination, domain.MPOArrivedHub, domain.MPOClosed,
	}
	quoted := make([]string, len(stages))
	for i, s := range stages {
		quoted[i] = "'" + string(s) + "'"
	}
	return "ARRAY[" + strings.Join(quoted, ",") + "]::text[]"
}()

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

// limitArg turns a non-positive limit into NULL, which LIMIT reads as
// "no limit". Passing 0 through would return no rows.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func affectedOne(ct pgconn.CommandTag, what string) error {
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}
