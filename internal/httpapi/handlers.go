package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/cart"
	"github.com/matheusmosca/checkout-orchestrator/internal/checkout"
	"github.com/matheusmosca/checkout-orchestrator/internal/idempotency"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/payment"
	"github.com/matheusmosca/checkout-orchestrator/internal/stock"
)

// CheckoutService define o que os handlers usam do serviço de checkout
type CheckoutService interface {
	Create(ctx context.Context, req checkout.CreateRequest) (*checkout.Session, error)
	Get(ctx context.Context, id string) (*checkout.Session, error)
}

// PaymentOrchestrator define o que os handlers usam do orquestrador de pagamento
type PaymentOrchestrator interface {
	ProcessCheckout(ctx context.Context, sessionID string, req payment.ProcessRequest) (*payment.Payment, error)
	ApprovePayment(ctx context.Context, sessionID, txnRef string, amount money.Money) (*payment.Payment, error)
	FailPayment(ctx context.Context, sessionID string) (*payment.Payment, error)
	CancelCheckoutPayment(ctx context.Context, sessionID string) (*payment.Payment, error)
	RefundPayment(ctx context.Context, paymentID string, amount money.Money) (*payment.Payment, error)
	Get(ctx context.Context, paymentID string) (*payment.Payment, error)
}

// CartRestorer aplica o comando de restauração recebido e responde às consultas do DTM
type CartRestorer interface {
	Apply(ctx context.Context, req cart.RestoreRequest) (int, error)
	QueryPrepared(ctx context.Context, gid string) (bool, error)
}

// StockAdmin define a administração de estoque exposta para operação e testes
type StockAdmin interface {
	SetTotal(ctx context.Context, skuID int64, total int) error
	Snapshot(ctx context.Context, skuID int64) (stock.Level, error)
}

// Handler contém os handlers HTTP
type Handler struct {
	checkouts CheckoutService
	payments  PaymentOrchestrator
	cart      CartRestorer
	stock     StockAdmin
	tracer    trace.Tracer
	service   string
}

func NewHandler(
	checkouts CheckoutService,
	payments PaymentOrchestrator,
	cart CartRestorer,
	stock StockAdmin,
	tracer trace.Tracer,
	serviceName string,
) *Handler {
	return &Handler{
		checkouts: checkouts,
		payments:  payments,
		cart:      cart,
		stock:     stock,
		tracer:    tracer,
		service:   serviceName,
	}
}

// Register monta as rotas no router
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	r.POST("/checkouts", h.CreateCheckout)
	r.GET("/checkouts/:id", h.GetCheckout)
	r.POST("/checkouts/:id/process", h.ProcessCheckout)
	r.POST("/checkouts/:id/cancel", h.CancelCheckout)

	r.POST("/payments/callback", h.PaymentCallback)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/refund", h.RefundPayment)

	r.POST(cart.RestorePath, h.RestoreCart)
	r.GET(cart.QueryPreparedPath, h.QueryPrepared)

	r.PUT("/stocks/:skuId", h.SetStock)
	r.GET("/stocks/:skuId", h.GetStock)
}

// CreateCheckout abre uma sessão; a chave de idempotência vem do corpo ou do cabeçalho
func (h *Handler) CreateCheckout(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.create_checkout")
	defer span.End()

	var req checkout.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotency.FromRequest(c.Request)
	}

	span.SetAttributes(
		attribute.String("buyer_id", req.BuyerID),
		attribute.String("idempotency_key", req.IdempotencyKey),
	)

	session, err := h.checkouts.Create(ctx, req)
	if err != nil {
		writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("session_id", session.ID))
	c.JSON(http.StatusOK, session)
}

func (h *Handler) GetCheckout(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_checkout")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", c.Param("id")))

	session, err := h.checkouts.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) ProcessCheckout(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.process_checkout")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", c.Param("id")))

	var req payment.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, err)
		return
	}

	p, err := h.payments.ProcessCheckout(ctx, c.Param("id"), req)
	if err != nil {
		writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("payment_id", p.ID))
	c.JSON(http.StatusOK, p)
}

func (h *Handler) CancelCheckout(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.cancel_checkout")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", c.Param("id")))

	p, err := h.payments.CancelCheckoutPayment(ctx, c.Param("id"))
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// CallbackRequest é a confirmação enviada pelo gateway de pagamento
type CallbackRequest struct {
	SessionID     string      `json:"session_id" binding:"required"`
	Result        string      `json:"result" binding:"required,oneof=approved failed"`
	Amount        money.Money `json:"amount"`
	GatewayTxnRef string      `json:"gateway_txn_ref"`
}

// PaymentCallback aplica a aprovação ou a falha informada pelo gateway
func (h *Handler) PaymentCallback(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.payment_callback")
	defer span.End()

	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, err)
		return
	}

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("result", req.Result),
		attribute.String("gateway_txn_ref", req.GatewayTxnRef),
	)

	var (
		p   *payment.Payment
		err error
	)
	if req.Result == "approved" {
		p, err = h.payments.ApprovePayment(ctx, req.SessionID, req.GatewayTxnRef, req.Amount)
	} else {
		p, err = h.payments.FailPayment(ctx, req.SessionID)
	}
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPayment(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", c.Param("id")))

	p, err := h.payments.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// RefundRequest é o corpo do estorno
type RefundRequest struct {
	Amount money.Money `json:"amount"`
}

func (h *Handler) RefundPayment(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.refund_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", c.Param("id")))

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, err)
		return
	}

	p, err := h.payments.RefundPayment(ctx, c.Param("id"), req.Amount)
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// RestoreCart é o alvo da mensagem DTM de compensação do carrinho
func (h *Handler) RestoreCart(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.restore_cart")
	defer span.End()

	var req cart.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("buyer_id", req.BuyerID),
		attribute.String("origin_trace_id", req.TraceID),
	)

	restored, err := h.cart.Apply(ctx, req)
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "success", "restored": restored})
}

// QueryPrepared decide uma mensagem preparada cujo Submit não chegou ao DTM.
// 409 com FAILURE faz o DTM abortar a mensagem.
func (h *Handler) QueryPrepared(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.query_prepared")
	defer span.End()

	gid := c.Query("gid")
	if gid == "" {
		writeError(c, span, apperr.Validation(apperr.CodeInvalidRequest, "gid is required"))
		return
	}
	span.SetAttributes(attribute.String("dtm_gid", gid))

	committed, err := h.cart.QueryPrepared(ctx, gid)
	if err != nil {
		writeError(c, span, err)
		return
	}
	if !committed {
		c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
}

// StockRequest define o estoque físico de um SKU
type StockRequest struct {
	Total *int `json:"total" binding:"required,min=0"`
}

// StockResponse é a fotografia do SKU com o disponível calculado
type StockResponse struct {
	stock.Level
	Available int `json:"available"`
}

func (h *Handler) SetStock(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.set_stock")
	defer span.End()

	skuID, err := skuParam(c)
	if err != nil {
		writeError(c, span, err)
		return
	}
	var req StockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, err)
		return
	}
	span.SetAttributes(attribute.Int64("sku_id", skuID), attribute.Int("total", *req.Total))

	if err := h.stock.SetTotal(ctx, skuID, *req.Total); err != nil {
		writeError(c, span, err)
		return
	}
	h.writeStock(ctx, c, span, skuID)
}

func (h *Handler) GetStock(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_stock")
	defer span.End()

	skuID, err := skuParam(c)
	if err != nil {
		writeError(c, span, err)
		return
	}
	span.SetAttributes(attribute.Int64("sku_id", skuID))
	h.writeStock(ctx, c, span, skuID)
}

func (h *Handler) writeStock(ctx context.Context, c *gin.Context, span trace.Span, skuID int64) {
	level, err := h.stock.Snapshot(ctx, skuID)
	if err != nil {
		writeError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, StockResponse{Level: level, Available: level.Available()})
}

// HealthCheck verifica a saúde do serviço
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

func skuParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("skuId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(apperr.CodeInvalidRequest, "invalid sku id %q", c.Param("skuId"))
	}
	return id, nil
}
