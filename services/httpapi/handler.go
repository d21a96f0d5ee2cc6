package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tipbot/pkg/config"
	"tipbot/pkg/db/pagination"
	"tipbot/pkg/errutil"
	"tipbot/pkg/middleware"
	"tipbot/pkg/settlement"
	"tipbot/pkg/task"
	"tipbot/services/ledger"
	"tipbot/services/pending"
	"tipbot/services/reconcile"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Engine is the command and interaction surface of the reconciler.
type Engine interface {
	Open(ctx context.Context, req reconcile.OpenRequest) (*pending.PendingAction, error)
	HandleConfirmation(ctx context.Context, ev reconcile.ConfirmationEvent) (reconcile.Reply, error)
}

// Ledger is the read side plus payment request creation.
type Ledger interface {
	Leaderboard(ctx context.Context, scope, metric string, limit int) ([]*ledger.UserStats, error)
	GetUserStats(ctx context.Context, scope, userID string) (*ledger.UserStats, error)
	GetScopeStats(ctx context.Context, scope string) (*ledger.ScopeStats, error)
	VerifyChain(ctx context.Context, scope string) (*ledger.VerifyResult, error)
	CreatePaymentRequest(ctx context.Context, in ledger.CreatePaymentRequestInput) (*ledger.PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, idOrCode string) (*ledger.PaymentRequest, error)
	ListContributions(ctx context.Context, paymentRequestID string, page pagination.Pagination) ([]*ledger.Contribution, *pagination.PageInfo, error)
}

type Handler struct {
	engine     Engine
	ledger     Ledger
	enqueuer   task.Enqueuer
	webhookKey string
	now        func() time.Time
}

type Params struct {
	fx.In
	Config   *config.Config
	Engine   Engine
	Ledger   Ledger
	Enqueuer task.Enqueuer
}

func NewHandler(p Params) *Handler {
	return &Handler{
		engine:     p.Engine,
		ledger:     p.Ledger,
		enqueuer:   p.Enqueuer,
		webhookKey: p.Config.Settlement.WebhookKey,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func RegisterRoutes(engine *gin.Engine, h *Handler) {
	v1 := engine.Group("/v1")

	v1.POST("/actions", h.OpenAction)
	v1.POST("/interactions", h.Interaction)
	v1.POST("/webhooks/settlement", middleware.APIKey(h.webhookKey), h.SettlementWebhook)

	scopes := v1.Group("/scopes/:scope")
	scopes.GET("/leaderboard", h.Leaderboard)
	scopes.GET("/users/:user", h.UserStats)
	scopes.GET("/stats", h.ScopeStats)
	scopes.GET("/verify", h.VerifyChain)

	v1.POST("/payment-requests", h.CreatePaymentRequest)
	v1.GET("/payment-requests/:id", h.GetPaymentRequest)
	v1.GET("/payment-requests/:id/contributions", h.ListContributions)
}

type recipientResponse struct {
	ID           string          `json:"id"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	AmountNative decimal.Decimal `json:"amount_native"`
}

type actionResponse struct {
	ID           string              `json:"id"`
	Kind         pending.Kind        `json:"kind"`
	Scope        string              `json:"scope"`
	Initiator    string              `json:"initiator"`
	Status       pending.Status      `json:"status"`
	AmountUSD    decimal.Decimal     `json:"amount_usd"`
	AmountNative decimal.Decimal     `json:"amount_native"`
	Rate         decimal.Decimal     `json:"rate"`
	Recipients   []recipientResponse `json:"recipients,omitempty"`
	PromptRef    string              `json:"prompt_ref"`
	CreatedAt    time.Time           `json:"created_at"`
}

func toActionResponse(a *pending.PendingAction) actionResponse {
	body := a.Body()
	out := actionResponse{
		ID:           a.ID,
		Kind:         a.Kind,
		Scope:        a.Scope,
		Initiator:    a.Initiator,
		Status:       a.Status,
		AmountUSD:    body.AmountUSD,
		AmountNative: body.AmountNative,
		Rate:         body.Rate,
		PromptRef:    a.PromptRef,
		CreatedAt:    a.CreatedAt,
	}
	for _, r := range body.Recipients {
		out.Recipients = append(out.Recipients, recipientResponse{
			ID:           r.ID,
			AmountUSD:    r.AmountUSD,
			AmountNative: r.AmountNative,
		})
	}
	return out
}

func (h *Handler) OpenAction(c *gin.Context) {
	var req reconcile.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	a, err := h.engine.Open(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toActionResponse(a))
}

func (h *Handler) Interaction(c *gin.Context) {
	var ev reconcile.ConfirmationEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	reply, err := h.engine.HandleConfirmation(c.Request.Context(), ev)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// SettlementWebhook queues the callback for the worker and acknowledges it.
func (h *Handler) SettlementWebhook(c *gin.Context) {
	var cb settlement.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		_ = c.Error(errutil.BadRequest("invalid callback body", err))
		return
	}
	if _, err := settlement.ParseRef(cb.Ref); err != nil {
		_ = c.Error(errutil.BadRequest("invalid settlement reference", err))
		return
	}

	t, err := reconcile.NewSettlementOutcomeTask(cb, h.now())
	if err != nil {
		_ = c.Error(err)
		return
	}

	info, err := h.enqueuer.Enqueue(c.Request.Context(), t)
	if err != nil {
		zap.L().Error("failed to enqueue settlement outcome", zap.String("ref", cb.Ref), zap.Error(err))
		_ = c.Error(errutil.New(errutil.StatusServiceUnavailable, "callback not accepted, retry later", errutil.WithErr(err)))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errutil.BadRequest(key+" must be an integer", err)
	}
	return v, nil
}

func (h *Handler) Leaderboard(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		_ = c.Error(err)
		return
	}

	metric := c.DefaultQuery("metric", "sent")
	rows, err := h.ledger.Leaderboard(c.Request.Context(), c.Param("scope"), metric, limit)
	if errors.Is(err, ledger.ErrUnknownMetric) {
		_ = c.Error(errutil.BadRequest(err.Error(), err))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": metric, "entries": rows})
}

func (h *Handler) UserStats(c *gin.Context) {
	stats, err := h.ledger.GetUserStats(c.Request.Context(), c.Param("scope"), c.Param("user"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ScopeStats(c *gin.Context) {
	stats, err := h.ledger.GetScopeStats(c.Request.Context(), c.Param("scope"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	res, err := h.ledger.VerifyChain(c.Request.Context(), c.Param("scope"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CreatePaymentRequest(c *gin.Context) {
	var in ledger.CreatePaymentRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.ledger.CreatePaymentRequest(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) paymentRequest(c *gin.Context) (*ledger.PaymentRequest, bool) {
	req, err := h.ledger.GetPaymentRequest(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrPaymentRequestNotFound) {
		_ = c.Error(errutil.NotFound("payment request not found", err))
		return nil, false
	}
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	return req, true
}

func (h *Handler) GetPaymentRequest(c *gin.Context) {
	req, ok := h.paymentRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) ListContributions(c *gin.Context) {
	req, ok := h.paymentRequest(c)
	if !ok {
		return
	}

	limit, err := queryInt(c, "limit")
	if err != nil {
		_ = c.Error(err)
		return
	}

	rows, info, err := h.ledger.ListContributions(c.Request.Context(), req.ID, pagination.Pagination{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if errors.Is(err, ledger.ErrInvalidCursor) {
		_ = c.Error(errutil.BadRequest("invalid cursor", err))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contributions": rows, "page_info": info})
}
