// Package storagetest traz dublês do pgx para testar os repositórios Postgres sem banco
package storagetest

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// MockQuerier simula o pool (ou a transação) visto pelos repositórios.
// As expectativas casam pelo SQL (use SQL) e pela lista de argumentos.
type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	a := m.Called(sql, args)
	return a.Get(0).(pgconn.CommandTag), a.Error(1)
}

func (m *MockQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	a := m.Called(sql, args)
	rows, _ := a.Get(0).(pgx.Rows)
	return rows, a.Error(1)
}

func (m *MockQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	a := m.Called(sql, args)
	return a.Get(0).(pgx.Row)
}

func (m *MockQuerier) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	a := m.Called(b)
	return a.Get(0).(pgx.BatchResults)
}

// SQL casa qualquer comando que contenha todos os fragmentos
func SQL(fragments ...string) any {
	return mock.MatchedBy(func(sql string) bool {
		for _, f := range fragments {
			if !strings.Contains(sql, f) {
				return false
			}
		}
		return true
	})
}

// Tag monta o CommandTag de um UPDATE/INSERT com n linhas afetadas
func Tag(n int64) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

// Row devolve os valores na ordem do SELECT, ou Err (ex.: pgx.ErrNoRows)
type Row struct {
	Values []any
	Err    error
}

func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return assign(r.Values, dest)
}

// Rows itera sobre linhas fixas
type Rows struct {
	Data [][]any
	Fail error
	pos  int
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.Fail }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	return assign(r.Data[r.pos-1], dest)
}

func (r *Rows) Values() ([]any, error) {
	return r.Data[r.pos-1], nil
}

// Batch registra quantos comandos foram enviados e devolve Err no Close
type Batch struct {
	Err error
}

func (b Batch) Exec() (pgconn.CommandTag, error) { return Tag(1), b.Err }
func (b Batch) Query() (pgx.Rows, error)         { return &Rows{}, b.Err }
func (b Batch) QueryRow() pgx.Row                { return Row{Err: b.Err} }
func (b Batch) Close() error                     { return b.Err }

type scanner interface {
	Scan(src any) error
}

// assign copia os valores para os destinos, convertendo tipos nomeados
// (ex.: string para um Status) e delegando a sql.Scanner quando preciso
func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("storagetest: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("storagetest: destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}

		val := reflect.ValueOf(v)
		switch {
		case val.Type().AssignableTo(elem.Type()):
			elem.Set(val)
		case elem.Kind() == reflect.Pointer && val.Type().AssignableTo(elem.Type().Elem()):
			ptr := reflect.New(elem.Type().Elem())
			ptr.Elem().Set(val)
			elem.Set(ptr)
		case val.Type().ConvertibleTo(elem.Type()) && val.Kind() != reflect.Slice:
			elem.Set(val.Convert(elem.Type()))
		default:
			s, ok := dest[i].(scanner)
			if !ok {
				return fmt.Errorf("storagetest: cannot assign %T to %T", v, dest[i])
			}
			if err := s.Scan(v); err != nil {
				return err
			}
		}
	}
	return nil
}
