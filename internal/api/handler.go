package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/gateway"
	"subscription-service/internal/models"
	"subscription-service/internal/panel"
	"subscription-service/internal/service"
	"subscription-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type PaymentCreator interface {
	CreatePayment(ctx context.Context, req service.CreatePaymentRequest) (*service.PaymentResult, error)
	CreateTestPayment(ctx context.Context, userID int64, gatewayType models.GatewayType) (*service.PaymentResult, error)
}

type SubscriptionManager interface {
	IssueTrial(ctx context.Context, userID int64) (*models.Subscription, error)
	MirrorPanelEvent(ctx context.Context, ev *panel.Event) error
}

type TransactionReader interface {
	Get(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error)
	GetByUser(ctx context.Context, userID int64) ([]models.Transaction, error)
}

type WebhookReceiver interface {
	Receive(ctx context.Context, key string, req *gateway.WebhookRequest) service.IngressResult
}

type PlanPricer interface {
	UpdatePrice(ctx context.Context, planID int64, days int, currency models.Currency, input string) (*models.Plan, error)
}

type GatewayManager interface {
	List(ctx context.Context) ([]models.PaymentGateway, error)
	Update(ctx context.Context, gw *models.PaymentGateway) error
}

type BroadcastManager interface {
	Start(ctx context.Context, req service.StartBroadcastRequest) (*models.BroadcastJob, error)
	Get(ctx context.Context, taskID uuid.UUID) (*models.BroadcastJob, error)
	Cancel(ctx context.Context, taskID uuid.UUID) error
	RequestDeletion(ctx context.Context, taskID uuid.UUID) (*models.BroadcastDeleteResult, error)
}

type TaskEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (broker.TaskHandle, error)
}

// PreCheckoutAnswerer confirms Telegram Stars checkouts
type PreCheckoutAnswerer interface {
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP surface
type Deps struct {
	Payments     PaymentCreator
	Subscription SubscriptionManager
	Transactions TransactionReader
	Webhooks     WebhookReceiver
	Plans        PlanPricer
	Gateways     GatewayManager
	Broadcasts   BroadcastManager
	Tasks        TaskEnqueuer
	PreCheckout  PreCheckoutAnswerer
	Ready        map[string]Pinger
}

// Options are the HTTP-level secrets
type Options struct {
	AdminToken string
	// ServiceToken authenticates the bot backend on the user-facing routes
	ServiceToken       string
	PanelWebhookSecret string
	MaxBodyBytes       int64
	// TrustedProxies may set X-Forwarded-For; empty means the socket address is the client
	TrustedProxies []string
}

// Handler contains HTTP handlers
type Handler struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		deps:     deps,
		opts:     opts,
		validate: validator.New(),
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	if err := router.SetTrustedProxies(h.opts.TrustedProxies); err != nil {
		h.logger.Error("Invalid trusted proxies, trusting none", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/payments/:gateway", h.paymentWebhook)
		hooks.POST("/panel", h.panelWebhook)
	}

	v1 := router.Group("/api/v1")

	users := v1.Group("", bearerAuth(h.opts.ServiceToken, h.opts.AdminToken))
	{
		users.POST("/payments", h.createPayment)
		users.POST("/trials", h.issueTrial)
		users.GET("/users/:id/transactions", h.listTransactions)
	}

	admin := v1.Group("/admin", bearerAuth(h.opts.AdminToken))
	{
		admin.POST("/transactions/test", h.createTestPayment)
		admin.POST("/transactions/:paymentId/replay", h.replayTransaction)
		admin.PUT("/plans/:id/prices", h.updatePlanPrice)
		admin.GET("/gateways", h.listGateways)
		admin.PUT("/gateways/:type", h.updateGateway)
		admin.POST("/broadcasts", h.startBroadcast)
		admin.GET("/broadcasts/:taskId", h.getBroadcast)
		admin.POST("/broadcasts/:taskId/cancel", h.cancelBroadcast)
		admin.POST("/broadcasts/:taskId/delete", h.deleteBroadcast)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every backing dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// bearerAuth accepts any of the configured static tokens; empty tokens never match
func bearerAuth(tokens ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		for _, want := range tokens {
			if want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// bind decodes and validates a JSON body
func (h *Handler) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": err.Error(),
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + strings.ToLower(name)})
		return uuid.Nil, false
	}
	return id, true
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
