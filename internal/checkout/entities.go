package checkout

import (
	"sort"
	"strings"
	"time"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/idempotency"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/stock"
)

// Status representa os estados da sessão de checkout
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusExpired    Status = "EXPIRED"
)

// Open indica um estado não terminal
func (s Status) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

// ShippingAddress é a cópia do endereço no momento da compra
type ShippingAddress struct {
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	ZipCode       string `json:"zip_code"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	State         string `json:"state,omitempty"`
	Country       string `json:"country"`
}

func (a ShippingAddress) Validate() error {
	missing := []string{}
	for field, value := range map[string]string{
		"recipient_name": a.RecipientName,
		"phone":          a.Phone,
		"zip_code":       a.ZipCode,
		"line1":          a.Line1,
		"city":           a.City,
		"country":        a.Country,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperr.Validation(apperr.CodeInvalidShippingAddress, "shipping address is missing %s", strings.Join(missing, ", ")).
			With("missing_fields", missing)
	}
	return nil
}

// Item é uma linha do checkout
type Item struct {
	LineNo    int         `json:"line_no" db:"line_no"`
	SkuID     int64       `json:"sku_id" db:"sku_id"`
	Quantity  int         `json:"quantity" db:"quantity"`
	UnitPrice money.Money `json:"unit_price" db:"unit_price"`
}

func (i Item) LineTotal() money.Money {
	return i.UnitPrice.Mul(i.Quantity)
}

// LineRequest é uma linha como enviada pelo cliente
type LineRequest struct {
	SkuID     int64       `json:"sku_id"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
}

// CreateRequest é o pedido de abertura de uma sessão
type CreateRequest struct {
	BuyerID         string          `json:"buyer_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Items           []LineRequest   `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
}

// Validate rejeita a requisição antes de qualquer reserva
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.BuyerID) == "" {
		return apperr.Validation(apperr.CodeInvalidRequest, "buyer_id is required")
	}
	key := strings.TrimSpace(r.IdempotencyKey)
	if key == "" || len(key) > idempotency.MaxKeyLength {
		return apperr.Validation(apperr.CodeInvalidIdempotencyKey, "idempotency key must have 1 to %d characters", idempotency.MaxKeyLength)
	}
	if len(r.Items) == 0 {
		return apperr.Validation(apperr.CodeInvalidCheckoutItem, "checkout must have at least one item")
	}
	for i, line := range r.Items {
		if line.SkuID <= 0 {
			return apperr.Validation(apperr.CodeInvalidCheckoutItem, "line %d has invalid sku_id %d", i+1, line.SkuID).With("line_no", i+1)
		}
		if line.Quantity <= 0 {
			return apperr.Validation(apperr.CodeInvalidCheckoutItem, "line %d has non-positive quantity %d", i+1, line.Quantity).With("line_no", i+1)
		}
		if !line.UnitPrice.FitsScale() {
			return apperr.Validation(apperr.CodeInvalidCheckoutMoney, "line %d unit price %s has more than %d decimal places", i+1, line.UnitPrice, money.Scale).
				With("line_no", i+1)
		}
	}
	return r.ShippingAddress.Validate()
}

// Fingerprint identifica a intenção de compra para a chave de idempotência
func (r CreateRequest) Fingerprint() (string, error) {
	return idempotency.Fingerprint(struct {
		BuyerID string          `json:"buyer_id"`
		Items   []LineRequest   `json:"items"`
		Address ShippingAddress `json:"address"`
	}{r.BuyerID, r.Items, r.ShippingAddress})
}

// Session é o agregado de checkout
type Session struct {
	ID              string          `json:"id" db:"id"`
	BuyerID         string          `json:"buyer_id" db:"buyer_id"`
	IdempotencyKey  string          `json:"idempotency_key" db:"idempotency_key"`
	Items           []Item          `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address" db:"shipping_address"`
	Total           money.Money     `json:"total" db:"total_amount"`
	Status          Status          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	ExpiredAt       *time.Time      `json:"expired_at,omitempty" db:"expired_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// NewSession cria a sessão em PENDING; o total é sempre recalculado a partir das linhas
func NewSession(id string, req CreateRequest, now time.Time, ttl time.Duration) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(req.Items))
	total := money.Zero()
	for i, line := range req.Items {
		item := Item{
			LineNo:    i + 1,
			SkuID:     line.SkuID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
		total = total.Add(item.LineTotal())
		items = append(items, item)
	}

	return &Session{
		ID:              id,
		BuyerID:         req.BuyerID,
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		Total:           total,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		UpdatedAt:       now,
	}, nil
}

// Requirements soma as linhas do mesmo SKU, em ordem crescente de SKU
func (s *Session) Requirements() []stock.Requirement {
	byID := make(map[int64]int)
	for _, item := range s.Items {
		byID[item.SkuID] += item.Quantity
	}

	reqs := make([]stock.Requirement, 0, len(byID))
	for id, qty := range byID {
		reqs = append(reqs, stock.Requirement{SkuID: id, Quantity: qty})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].SkuID < reqs[j].SkuID })
	return reqs
}

func (s *Session) SkuIDs() []int64 {
	reqs := s.Requirements()
	ids := make([]int64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.SkuID
	}
	return ids
}

func (s *Session) Token(skuID int64) stock.Token {
	return stock.Token{SessionID: s.ID, SkuID: skuID}
}

// PastExpiry indica que o tempo de vida acabou, independente do status
func (s *Session) PastExpiry(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) BeginProcessing(now time.Time) error {
	if s.Status != StatusPending {
		return apperr.Conflict(apperr.CodeCheckoutNotProcessable, "checkout %s cannot start processing from %s", s.ID, s.Status).
			With("status", s.Status)
	}
	s.Status = StatusProcessing
	s.UpdatedAt = now
	return nil
}

// Complete é idempotente sobre uma sessão já COMPLETED
func (s *Session) Complete(now time.Time) error {
	switch s.Status {
	case StatusCompleted:
		return nil
	case StatusProcessing:
		s.Status = StatusCompleted
		s.CompletedAt = &now
		s.UpdatedAt = now
		return nil
	default:
		return apperr.Conflict(apperr.CodeCheckoutNotCompletable, "checkout %s cannot complete from %s", s.ID, s.Status).
			With("status", s.Status)
	}
}

func (s *Session) RevertToPending(now time.Time) error {
	if s.Status != StatusProcessing {
		return apperr.Conflict(apperr.CodeCheckoutNotProcessable, "checkout %s cannot revert to pending from %s", s.ID, s.Status).
			With("status", s.Status)
	}
	s.Status = StatusPending
	s.UpdatedAt = now
	return nil
}

// Expire é idempotente sobre uma sessão já EXPIRED
func (s *Session) Expire(now time.Time) error {
	switch s.Status {
	case StatusExpired:
		return nil
	case StatusPending, StatusProcessing:
		s.Status = StatusExpired
		s.ExpiredAt = &now
		s.UpdatedAt = now
		return nil
	default:
		return apperr.Conflict(apperr.CodeCheckoutAlreadyCompleted, "checkout %s is already %s", s.ID, s.Status).
			With("status", s.Status)
	}
}

func notFound(id string) *apperr.Error {
	return apperr.NotFound(apperr.CodeCheckoutNotFound, "checkout %s not found", id)
}
