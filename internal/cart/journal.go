package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
)

const (
	journalRecorded   = "RECORDED"
	journalRolledBack = "ROLLED_BACK"
)

// ErrRolledBack indica que o DTM já consultou o gid e decidiu desfazer a mensagem
var ErrRolledBack = errors.New("cart restore message already rolled back")

// Journal liga cada mensagem preparada no DTM à transação local que a originou.
//
// Record roda dentro da transação da compensação. Resolve responde à consulta
// do DTM (query prepared): true quando a transação gravou o gid; caso contrário
// marca o gid como desfeito, e um Record tardio falha com ErrRolledBack.
type Journal interface {
	Record(ctx context.Context, gid string, req RestoreRequest) error
	Resolve(ctx context.Context, gid string) (bool, error)
}

// MemoryJournal guarda o estado de cada gid em memória
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]string)}
}

func (j *MemoryJournal) Record(_ context.Context, gid string, _ RestoreRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if status, ok := j.entries[gid]; ok && status == journalRolledBack {
		return fmt.Errorf("gid %s: %w", gid, ErrRolledBack)
	}
	j.entries[gid] = journalRecorded
	return nil
}

func (j *MemoryJournal) Resolve(_ context.Context, gid string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	status, ok := j.entries[gid]
	if !ok {
		j.entries[gid] = journalRolledBack
		return false, nil
	}
	return status == journalRecorded, nil
}

// PostgresJournal implementa Journal na tabela cart_restore_message.
// O INSERT do Resolve espera a transação que está gravando o mesmo gid terminar.
type PostgresJournal struct {
	db storage.Querier
}

func NewPostgresJournal(db storage.Querier) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) Record(ctx context.Context, gid string, req RestoreRequest) error {
	_, err := storage.Conn(ctx, j.db).Exec(ctx, `
		INSERT INTO cart_restore_message (gid, buyer_id, sku_ids, status)
		VALUES ($1, $2, $3, $4)
	`, gid, req.BuyerID, req.SkuIDs, journalRecorded)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("gid %s: %w", gid, ErrRolledBack)
		}
		return fmt.Errorf("failed to record cart restore message: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Resolve(ctx context.Context, gid string) (bool, error) {
	db := storage.Conn(ctx, j.db)

	tag, err := db.Exec(ctx, `
		INSERT INTO cart_restore_message (gid, buyer_id, sku_ids, status)
		VALUES ($1, '', '{}', $2)
		ON CONFLICT (gid) DO NOTHING
	`, gid, journalRolledBack)
	if err != nil {
		return false, fmt.Errorf("failed to resolve cart restore message: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	var status string
	if err := db.QueryRow(ctx, `SELECT status FROM cart_restore_message WHERE gid = $1`, gid).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cart restore message: %w", err)
	}
	return status == journalRecorded, nil
}
