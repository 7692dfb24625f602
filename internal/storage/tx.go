package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier é o subconjunto comum entre *pgxpool.Pool e pgx.Tx usado pelos repositórios
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Transactor executa fn dentro de uma unidade de trabalho
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type hooksKey struct{}

// afterCommit acumula os callbacks registrados durante a unidade de trabalho mais externa
type afterCommit struct {
	fns []func(ctx context.Context)
}

// AfterCommit agenda fn para depois do commit da unidade de trabalho corrente.
// Se a unidade desfizer, fn nunca roda. Fora de uma unidade de trabalho, roda na hora.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if hooks, ok := ctx.Value(hooksKey{}).(*afterCommit); ok {
		hooks.fns = append(hooks.fns, fn)
		return
	}
	fn(ctx)
}

// runOuter abre o escopo de hooks, chama work e dispara os hooks só se work deu certo
func runOuter(ctx context.Context, work func(ctx context.Context) error) error {
	hooks := &afterCommit{}
	if err := work(context.WithValue(ctx, hooksKey{}, hooks)); err != nil {
		return err
	}
	for _, fn := range hooks.fns {
		fn(ctx)
	}
	return nil
}

// PostgresTransactor propaga a pgx.Tx pelo context para que os repositórios
// participem da mesma transação sem receber a Tx como parâmetro
type PostgresTransactor struct {
	pool *pgxpool.Pool
}

func NewPostgresTransactor(pool *pgxpool.Pool) *PostgresTransactor {
	return &PostgresTransactor{pool: pool}
}

// WithinTx inicia uma transação, ou reaproveita a que já está no context
func (t *PostgresTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	return runOuter(ctx, func(ctx context.Context) error {
		tx, err := t.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if err := tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				log.Printf("❌ Rollback failed: %v", err)
			}
		}()

		if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// Conn devolve a transação corrente ou db (normalmente o pool)
func Conn(ctx context.Context, db Querier) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db
}

// NopTransactor executa fn diretamente; usado com os repositórios em memória.
// Os hooks de AfterCommit rodam quando a unidade mais externa termina sem erro.
type NopTransactor struct{}

func (NopTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(hooksKey{}).(*afterCommit); ok {
		return fn(ctx)
	}
	return runOuter(ctx, fn)
}

// IsUniqueViolation identifica violação de unique/primary key (23505)
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
