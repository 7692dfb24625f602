package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Header é o cabeçalho HTTP de onde a chave é lida quando não vem no corpo
const Header = "Idempotency-Key"

// MaxKeyLength limita o tamanho da chave aceita
const MaxKeyLength = 128

// Record liga uma chave de idempotência à sessão de checkout que ela produziu
type Record struct {
	Key         string    `json:"key" db:"key"`
	BuyerID     string    `json:"buyer_id" db:"buyer_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	SessionID   string    `json:"session_id" db:"session_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// NewRecord cria um registro válido por ttl a partir de now
func NewRecord(key, buyerID, fingerprint, sessionID string, now time.Time, ttl time.Duration) *Record {
	return &Record{
		Key:         key,
		BuyerID:     buyerID,
		Fingerprint: fingerprint,
		SessionID:   sessionID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Expired indica se a janela de validade já passou
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Matches indica se a nova requisição é a mesma intenção de compra
func (r *Record) Matches(buyerID, fingerprint string) bool {
	return r.BuyerID == buyerID && r.Fingerprint == fingerprint
}

// Registry persiste os registros. Find devolve (nil, nil) quando a chave não existe.
// Save sobrescreve um registro anterior da mesma chave; o chamador segura o lock da chave.
type Registry interface {
	Find(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, record *Record) error
}

// Fingerprint gera o hash estável do payload da requisição
func Fingerprint(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FromRequest lê a chave do cabeçalho Idempotency-Key
func FromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// MemoryRegistry guarda os registros em memória
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record)}
}

func (m *MemoryRegistry) Find(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryRegistry) Save(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[record.Key] = *record
	return nil
}
