package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Handler serves the metering query and mutation surface.
type Handler struct {
	logger   *zap.Logger
	service  *metering.Service
	registry *metering.CostRegistry
	catalog  *metering.TopupCatalog
	cfg      Config
	nowFn    func() int64
}

// NewHandler wires a Handler.
func NewHandler(logger *zap.Logger, service *metering.Service, registry *metering.CostRegistry, catalog *metering.TopupCatalog, cfg Config) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		registry: registry,
		catalog:  catalog,
		cfg:      cfg,
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
	}
}

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, handler *Handler, gatherer prometheus.Gatherer) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return err
	}
	router := Router(cfg, handler, sessionValidator.GinMiddleware(claimsContextKey), ServiceAuthMiddleware([]byte(cfg.ServiceSigningKey), cfg.ServiceIssuer), gatherer)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("metering api listening", zap.String("addr", cfg.ListenAddr))
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

// Router assembles the gin engine. Session and service auth middlewares are
// injected so tests can substitute them.
func Router(cfg Config, handler *Handler, sessionAuth gin.HandlerFunc, serviceAuth gin.HandlerFunc, gatherer prometheus.Gatherer) *gin.Engine {
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
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(sessionAuth)
	api.GET("/balance", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.GET("/costs", handler.handleCosts)
	api.GET("/topups", handler.handleTopupCatalog)
	api.GET("/usage/monthly", handler.handleMonthlyUsage)
	api.GET("/usage/breakdown", handler.handleUsageBreakdown)
	api.GET("/usage/top", handler.handleMostUsedFeature)

	internal := router.Group("/internal")
	internal.Use(serviceAuth)
	internal.POST("/charge", handler.handleCharge)
	internal.POST("/grants", handler.handleGrant)
	internal.POST("/provision", handler.handleProvision)
	internal.POST("/reconcile", handler.handleReconcile)

	webhooks := router.Group("/webhooks")
	webhooks.Use(serviceAuth)
	webhooks.POST("/payment", handler.handlePaymentWebhook)
	webhooks.POST("/referral", handler.handleReferralWebhook)

	return router
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (handler *Handler) handleHistory(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	limit := boundedIntQuery(ctx, "limit", defaultHistoryLimit, maxHistoryLimit)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.UsageHistory(requestCtx, accountID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactionPayloads(transactions)})
}

func (handler *Handler) handleCosts(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"costs": handler.registry.AllCosts()})
}

func (handler *Handler) handleTopupCatalog(ctx *gin.Context) {
	products := handler.catalog.Products()
	payload := make([]topupProductPayload, 0, len(products))
	for _, product := range products {
		payload = append(payload, topupProductPayload{
			Key:        product.Key,
			Credits:    product.Credits.Int64(),
			PriceCents: product.PriceCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"products": payload})
}

func (handler *Handler) handleMonthlyUsage(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	usage, err := handler.service.MonthlyUsage(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"this_month": usage.ThisMonth.Int64(),
		"last_month": usage.LastMonth.Int64(),
	})
}

func (handler *Handler) handleUsageBreakdown(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	windowDays := boundedIntQuery(ctx, "window_days", defaultWindowDays, maxWindowDays)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	breakdown, err := handler.service.UsageBreakdown(requestCtx, accountID, windowDays)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	perFeature := make([]usageEntryPayload, 0, len(breakdown.PerSource))
	for _, sourceTotal := range breakdown.PerSource {
		perFeature = append(perFeature, usageEntryPayload{
			Feature:    sourceTotal.SourceKey.String(),
			Credits:    sourceTotal.CreditsSpent.Int64(),
			Percentage: sourceTotal.PercentageInt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_used": breakdown.TotalUsed.Int64(),
		"breakdown":  perFeature,
	})
}

func (handler *Handler) handleMostUsedFeature(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	windowDays := boundedIntQuery(ctx, "window_days", defaultWindowDays, maxWindowDays)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	top, err := handler.service.MostUsedFeature(requestCtx, accountID, windowDays)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"feature": top.SourceKey.String(),
		"credits": top.CreditsSpent.Int64(),
	})
}

func (handler *Handler) handleCharge(ctx *gin.Context) {
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := metering.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	featureKey, err := metering.NewFeatureKey(request.FeatureKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.ChargeFeature(requestCtx, accountID, featureKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := metering.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := metering.NewPositiveCreditAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	source, err := metering.NewSourceKey(request.SourceKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	key, err := metering.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := metering.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.GrantCredits(requestCtx, accountID, amount, source, key, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleProvision(ctx *gin.Context) {
	var request provisionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := metering.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.ProvisionAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleReconcile(ctx *gin.Context) {
	var request reconcileRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !isEmptyBody(err) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	now := request.NowUnixUTC
	if now == 0 {
		now = handler.nowFn()
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	granted, err := handler.service.ReconcileSubscriptions(requestCtx, now)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"granted": transactionPayloads(granted)})
}

func (handler *Handler) handlePaymentWebhook(ctx *gin.Context) {
	var request paymentWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.EventID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event_id is required"))
		return
	}
	accountID, err := metering.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.Topup(requestCtx, accountID, request.ProductKey, request.EventID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleReferralWebhook(ctx *gin.Context) {
	var request referralWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.ReferralID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "referral_id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.CompleteReferral(requestCtx, request.ReferralID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) sessionAccount(ctx *gin.Context) (metering.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return metering.AccountID{}, false
	}
	accountID, err := metering.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return metering.AccountID{}, false
	}
	return accountID, true
}

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *Handler) respondError(ctx *gin.Context, err error) {
	var insufficient metering.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_credits",
				"required":  insufficient.Required.Int64(),
				"available": insufficient.Available.Int64(),
			},
		})
	case errors.Is(err, metering.ErrUnknownFeature):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("unknown_feature", err.Error()))
	case errors.Is(err, metering.ErrUnknownTopupProduct):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("unknown_topup_product", err.Error()))
	case errors.Is(err, metering.ErrUnknownReferral):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_referral", err.Error()))
	case errors.Is(err, metering.ErrDuplicateIdempotencyKey):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_idempotency_key", err.Error()))
	case errors.Is(err, metering.ErrInvalidAccountID),
		errors.Is(err, metering.ErrInvalidFeatureKey),
		errors.Is(err, metering.ErrInvalidSourceKey),
		errors.Is(err, metering.ErrInvalidIdempotencyKey),
		errors.Is(err, metering.ErrInvalidCreditAmount),
		errors.Is(err, metering.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_argument", err.Error()))
	default:
		handler.logger.Error("ledger request failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("storage_error", "temporarily unavailable"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
