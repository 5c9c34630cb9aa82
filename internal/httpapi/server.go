package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/quickgpt/internal/genai"
	"github.com/MarkoPoloResearchLab/quickgpt/internal/payments"
	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const stripeSignatureHeader = "Stripe-Signature"

// Handler carries the wired dependencies for the HTTP API.
type Handler struct {
	logger         *zap.Logger
	billingService *billing.Service
	checkout       payments.CheckoutCreator
	webhook        *payments.WebhookHandler
	textGenerator  genai.TextGenerator
	imageGenerator genai.ImageGenerator
	cfg            Config
	nowFn          func() time.Time
}

// NewHandler wires the HTTP handler set.
func NewHandler(
	cfg Config,
	logger *zap.Logger,
	billingService *billing.Service,
	checkout payments.CheckoutCreator,
	webhookHandler *payments.WebhookHandler,
	textGenerator genai.TextGenerator,
	imageGenerator genai.ImageGenerator,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:         logger,
		billingService: billingService,
		checkout:       checkout,
		webhook:        webhookHandler,
		textGenerator:  textGenerator,
		imageGenerator: imageGenerator,
		cfg:            cfg,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// Run boots the HTTP API and blocks until ctx is canceled or the server fails.
func Run(ctx context.Context, cfg Config, handler *Handler) error {
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("quickgpt api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/plans", handler.handlePlans)
	router.POST("/api/auth/session", handler.handleSession)

	// Stripe authenticates with a signed payload, not a session.
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(sessionMiddleware([]byte(cfg.SessionSigningKey), cfg.SessionIssuer))

	api.GET("/wallet", handler.handleWallet)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/generations", handler.handleGeneration)

	return router
}

func (handler *Handler) handlePlans(ctx *gin.Context) {
	plans := billing.Plans()
	payload := make([]planPayload, 0, len(plans))
	for _, plan := range plans {
		payload = append(payload, planPayload{
			ID:             plan.ID,
			Name:           plan.Name,
			PriceCents:     plan.PriceCents,
			CreditsGranted: plan.CreditsGranted,
			Features:       plan.Features,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"plans": payload})
}

func (handler *Handler) handleSession(ctx *gin.Context) {
	var request sessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "user_id and secret are required"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.Secret), []byte(handler.cfg.SessionBootstrapSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bootstrap secret"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "user_id is required"))
		return
	}

	// First contact creates the account and seeds the signup bonus.
	balance, err := handler.billingService.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("account bootstrap failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", "account unavailable"))
		return
	}

	token, err := newSessionToken([]byte(handler.cfg.SessionSigningKey), handler.cfg.SessionIssuer, userID.String(), handler.cfg.SessionTTL, handler.nowFn())
	if err != nil {
		handler.logger.Error("session token issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("token_error", "session unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"token":   token,
		"user_id": userID.String(),
		"credits": balance.Credits,
	})
}

func (handler *Handler) handleWallet(ctx *gin.Context) {
	userID, err := billing.NewUserID(getUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	userID, err := billing.NewUserID(getUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "plan_id is required"))
		return
	}
	planID, err := billing.NewPlanID(request.PlanID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", "plan_id is required"))
		return
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(map[string]string{
		"origin": ctx.GetHeader("Origin"),
	}))
	if err != nil {
		metadata, _ = billing.NewMetadataJSON("")
	}

	transaction, err := handler.billingService.CreatePurchase(ctx.Request.Context(), userID, planID, metadata)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlan) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", "unknown plan id"))
			return
		}
		handler.logger.Error("purchase create failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", "purchase unavailable"))
		return
	}

	plan, err := billing.PlanByID(planID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", "unknown plan id"))
		return
	}
	session, err := handler.checkout.CreateCheckoutSession(ctx.Request.Context(), transaction, plan)
	if err != nil {
		handler.logger.Error("checkout session failed", zap.Error(err),
			zap.String("transaction_id", transaction.TransactionID))
		ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "checkout unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": transaction.TransactionID,
		"checkout_url":   session.URL,
	})
}

func (handler *Handler) handleGeneration(ctx *gin.Context) {
	userID, err := billing.NewUserID(getUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Prompt == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "kind and prompt are required"))
		return
	}
	kind, err := billing.ParseOperationKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "kind must be text or image"))
		return
	}

	var reply generationReply
	spendError := handler.billingService.WithSpend(ctx.Request.Context(), userID, kind, func(operationCtx context.Context) error {
		switch kind {
		case billing.OperationImage:
			imageURL, err := handler.imageGenerator.GenerateImage(operationCtx, request.Prompt)
			if err != nil {
				return err
			}
			reply = generationReply{Role: "assistant", Content: imageURL, IsImage: true}
		default:
			content, err := handler.textGenerator.GenerateText(operationCtx, request.Prompt)
			if err != nil {
				return err
			}
			reply = generationReply{Role: "assistant", Content: content}
		}
		reply.TimestampUnixUTC = handler.nowFn().Unix()
		return nil
	})
	if spendError != nil {
		switch {
		case errors.Is(spendError, billing.ErrInsufficientCredits):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits for this feature"))
		case errors.Is(spendError, genai.ErrUpstream):
			handler.logger.Error("generation failed", zap.Error(spendError), zap.String("kind", kind.String()))
			ctx.JSON(http.StatusBadGateway, errorResponse("upstream_error", "generation failed"))
		default:
			handler.logger.Error("spend failed", zap.Error(spendError))
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", "generation unavailable"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reply": reply})
}

// handleStripeWebhook consumes the raw, unparsed body: the signature covers
// the exact bytes Stripe sent.
func (handler *Handler) handleStripeWebhook(ctx *gin.Context) {
	payload, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "unreadable payload"))
		return
	}
	err = handler.webhook.HandleEvent(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHeader))
	if errors.Is(err, payments.ErrSignatureInvalid) {
		handler.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("signature_invalid", "webhook signature verification failed"))
		return
	}
	if err != nil {
		// Retry-eligible: Stripe redelivers on 5xx, and settlement is idempotent.
		handler.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "webhook processing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (handler *Handler) respondWithWallet(ctx *gin.Context, userID billing.UserID) {
	balance, err := handler.billingService.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", "wallet unavailable"))
		return
	}
	transactions, err := handler.billingService.ListTransactions(ctx.Request.Context(), userID, WalletHistoryLimit())
	if err != nil {
		handler.logger.Error("transaction list failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_error", "wallet unavailable"))
		return
	}

	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:  transaction.TransactionID,
			PlanID:         transaction.PlanID,
			AmountCents:    transaction.AmountCents,
			CreditsGranted: transaction.CreditsGranted,
			Status:         transaction.Status.String(),
			Metadata:       json.RawMessage(transaction.MetadataJSON),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		Balance:      balancePayload{Credits: balance.Credits},
		Transactions: payload,
	}})
}

func marshalMetadata(metadata any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type sessionRequest struct {
	UserID string `json:"user_id"`
	Secret string `json:"secret"`
}

type purchaseRequest struct {
	PlanID string `json:"plan_id"`
}

type generationRequest struct {
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
}

type generationReply struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	IsImage          bool   `json:"is_image"`
	TimestampUnixUTC int64  `json:"timestamp_unix_utc"`
}

type planPayload struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	PriceCents     int64    `json:"price_cents"`
	CreditsGranted int64    `json:"credits_granted"`
	Features       []string `json:"features"`
}

type walletResponse struct {
	Balance      balancePayload       `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

type balancePayload struct {
	Credits int64 `json:"credits"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	PlanID         string          `json:"plan_id"`
	AmountCents    int64           `json:"amount_cents"`
	CreditsGranted int64           `json:"credits_granted"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
