package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matheusmosca/checkout-orchestrator/internal/checkout"
	"github.com/matheusmosca/checkout-orchestrator/internal/idempotency"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/payment"
)

// Client fala com a API HTTP do checkout-service
type Client struct {
	http *resty.Client
}

// APIError é o corpo de erro devolvido pelo serviço
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	ctx, _ := json.Marshal(e.Context)
	return fmt.Sprintf("%d %s: %s %s", e.Status, e.Code, e.Message, ctx)
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
	}
}

// do executa a requisição e decodifica a resposta em out (json.RawMessage serve para imprimir cru)
func (c *Client) do(method, path string, body any, headers map[string]string, out any) error {
	req := c.http.R().SetError(&APIError{}).SetResult(out)
	if body != nil {
		req.SetBody(body)
	}
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr, ok := resp.Error().(*APIError)
		if !ok || apiErr.Code == "" {
			return &APIError{Status: resp.StatusCode(), Code: "UNEXPECTED_RESPONSE", Message: resp.String()}
		}
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}

func (c *Client) CreateCheckout(req checkout.CreateRequest) (json.RawMessage, error) {
	var out json.RawMessage
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers[idempotency.Header] = req.IdempotencyKey
	}
	err := c.do(resty.MethodPost, "/checkouts", req, headers, &out)
	return out, err
}

func (c *Client) GetCheckout(id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodGet, "/checkouts/"+id, nil, nil, &out)
	return out, err
}

func (c *Client) ProcessCheckout(id string, req payment.ProcessRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodPost, "/checkouts/"+id+"/process", req, nil, &out)
	return out, err
}

func (c *Client) CancelCheckout(id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodPost, "/checkouts/"+id+"/cancel", nil, nil, &out)
	return out, err
}

// Callback simula o retorno do gateway de pagamento
func (c *Client) Callback(sessionID, result string, amount money.Money, txnRef string) (json.RawMessage, error) {
	var out json.RawMessage
	body := map[string]any{
		"session_id":      sessionID,
		"result":          result,
		"amount":          amount,
		"gateway_txn_ref": txnRef,
	}
	err := c.do(resty.MethodPost, "/payments/callback", body, nil, &out)
	return out, err
}

func (c *Client) GetPayment(id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodGet, "/payments/"+id, nil, nil, &out)
	return out, err
}

func (c *Client) Refund(id string, amount money.Money) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodPost, "/payments/"+id+"/refund", map[string]any{"amount": amount}, nil, &out)
	return out, err
}

func (c *Client) SetStock(skuID int64, total int) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodPut, fmt.Sprintf("/stocks/%d", skuID), map[string]int{"total": total}, nil, &out)
	return out, err
}

func (c *Client) GetStock(skuID int64) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(resty.MethodGet, fmt.Sprintf("/stocks/%d", skuID), nil, nil, &out)
	return out, err
}
