package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale é o número de casas decimais gravadas (NUMERIC(18,2))
const Scale = 2

// Money representa um valor monetário não negativo
type Money struct {
	amount decimal.Decimal
}

// Zero retorna o valor zero
func Zero() Money {
	return Money{amount: decimal.Zero}
}

// FromInt cria Money a partir de unidades inteiras
func FromInt(v int64) Money {
	return Money{amount: decimal.NewFromInt(v)}
}

// Parse converte uma string decimal ("1200", "19.90") em Money
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money %q: %w", s, err)
	}
	if d.IsNegative() {
		return Money{}, fmt.Errorf("invalid money %q: negative amount", s)
	}
	return Money{amount: d}, nil
}

// MustParse é Parse para literais em testes e fixtures
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money {
	return Money{amount: m.amount.Add(o.amount)}
}

// Sub retorna erro quando o resultado ficaria negativo
func (m Money) Sub(o Money) (Money, error) {
	r := m.amount.Sub(o.amount)
	if r.IsNegative() {
		return Money{}, fmt.Errorf("money subtraction %s - %s is negative", m, o)
	}
	return Money{amount: r}, nil
}

func (m Money) Mul(qty int) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(int64(qty)))}
}

func (m Money) Equal(o Money) bool {
	return m.amount.Equal(o.amount)
}

func (m Money) GreaterThan(o Money) bool {
	return m.amount.GreaterThan(o.amount)
}

func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

// FitsScale indica se o valor cabe em Scale casas sem arredondar ("19.900" cabe, "0.333" não)
func (m Money) FitsScale() bool {
	return m.amount.Equal(m.amount.Round(Scale))
}

func (m Money) Decimal() decimal.Decimal {
	return m.amount
}

func (m Money) String() string {
	return m.amount.String()
}

// MarshalJSON serializa como string para não perder precisão
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.amount.String())
}

// UnmarshalJSON aceita string ou número
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid money: %w", err)
	}
	if d.IsNegative() {
		return fmt.Errorf("invalid money %s: negative amount", d)
	}
	m.amount = d
	return nil
}

// Value implementa driver.Valuer para colunas NUMERIC
func (m Money) Value() (driver.Value, error) {
	return m.amount.String(), nil
}

// Scan implementa sql.Scanner para colunas NUMERIC
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan money: %w", err)
	}
	m.amount = d
	return nil
}
