package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifica o erro para decidir retry e status HTTP
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Code identifica o motivo do erro no contrato externo
type Code string

const (
	CodeInvalidCheckoutItem      Code = "INVALID_CHECKOUT_ITEM"
	CodeInvalidCheckoutMoney     Code = "INVALID_CHECKOUT_MONEY"
	CodeInvalidShippingAddress   Code = "INVALID_SHIPPING_ADDRESS"
	CodeInvalidIdempotencyKey    Code = "INVALID_IDEMPOTENCY_KEY"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeInsufficientStock        Code = "INSUFFICIENT_STOCK"
	CodeDuplicateCheckoutRequest Code = "DUPLICATE_CHECKOUT_REQUEST"
	CodeCheckoutNotProcessable   Code = "CHECKOUT_NOT_PROCESSABLE"
	CodeCheckoutNotCompletable   Code = "CHECKOUT_NOT_COMPLETABLE"
	CodeCheckoutAlreadyCompleted Code = "CHECKOUT_ALREADY_COMPLETED"
	CodeCheckoutExpired          Code = "CHECKOUT_EXPIRED"
	CodePaymentNotApprovable     Code = "PAYMENT_NOT_APPROVABLE"
	CodePaymentNotFailable       Code = "PAYMENT_NOT_FAILABLE"
	CodePaymentNotCancellable    Code = "PAYMENT_NOT_CANCELLABLE"
	CodePaymentNotRefundable     Code = "PAYMENT_NOT_REFUNDABLE"
	CodeRefundAmountExceeded     Code = "REFUND_AMOUNT_EXCEEDED"
	CodeLockAcquisitionFailed    Code = "LOCK_ACQUISITION_FAILED"
	CodeReservationReleased      Code = "RESERVATION_RELEASED"
	CodeCheckoutNotFound         Code = "CHECKOUT_NOT_FOUND"
	CodePaymentNotFound          Code = "PAYMENT_NOT_FOUND"
	CodeReservationNotFound      Code = "RESERVATION_NOT_FOUND"
	CodeStockNotFound            Code = "STOCK_NOT_FOUND"
	CodeInternal                 Code = "INTERNAL"
)

// Error é o único tipo de erro de domínio do core: kind + code + contexto estruturado
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is compara apenas pelo code, assim errors.Is(err, apperr.Conflict(code, "")) funciona
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With devolve uma cópia com a chave adicionada ao contexto
func (e *Error) With(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value

	cp := *e
	cp.Context = ctx
	return &cp
}

// Wrap anexa a causa original
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func newError(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func Validation(code Code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func Conflict(code Code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

func NotFound(code Code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return newError(KindInternal, CodeInternal, format, args...).Wrap(err)
}

// As extrai o *Error da cadeia, se existir
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode verifica se algum erro da cadeia tem o code informado
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsKind verifica se algum erro da cadeia tem o kind informado
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HTTPStatus mapeia o erro para o status HTTP do contrato externo
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
