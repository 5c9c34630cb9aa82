package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/quickgpt/internal/genai"
	"github.com/MarkoPoloResearchLab/quickgpt/internal/httpapi"
	"github.com/MarkoPoloResearchLab/quickgpt/internal/payments"
	"github.com/MarkoPoloResearchLab/quickgpt/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quickgpt/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionSecret       = "session-secret"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagCheckoutSuccessURL  = "checkout-success-url"
	flagCheckoutCancelURL   = "checkout-cancel-url"
	flagAIBaseURL           = "ai-base-url"
	flagAIAPIKey            = "ai-api-key"
	flagAIModel             = "ai-model"
	flagImageEndpoint       = "image-endpoint"
	flagImageFolder         = "image-folder"
	flagUpstreamTimeout     = "upstream-timeout"
	flagSignupBonus         = "signup-bonus"

	configKeyDatabaseURL         = "database_url"
	configKeyStoreDriver         = "store_driver"
	configKeyListenAddr          = "listen_addr"
	configKeyAllowedOrigins      = "allowed_origins"
	configKeySessionSigningKey   = "session_signing_key"
	configKeySessionSecret       = "session_secret"
	configKeyStripeSecretKey     = "stripe_secret_key"
	configKeyStripeWebhookSecret = "stripe_webhook_secret"
	configKeyCheckoutSuccessURL  = "checkout_success_url"
	configKeyCheckoutCancelURL   = "checkout_cancel_url"
	configKeyAIBaseURL           = "ai_base_url"
	configKeyAIAPIKey            = "ai_api_key"
	configKeyAIModel             = "ai_model"
	configKeyImageEndpoint       = "image_endpoint"
	configKeyImageFolder         = "image_folder"
	configKeyUpstreamTimeout     = "upstream_timeout"
	configKeySignupBonus         = "signup_bonus"

	defaultDatabaseURL     = "sqlite:///tmp/quickgpt.db"
	defaultStoreDriver     = "gorm"
	defaultListenAddr      = ":9090"
	defaultAIBaseURL       = "https://generativelanguage.googleapis.com/v1beta/openai"
	defaultAIModel         = "gemini-2.5-flash"
	defaultImageEndpoint   = "https://ik.imagekit.io/quickgpt"
	defaultImageFolder     = "quickgpt"
	defaultSuccessURL      = "http://localhost:8000/billing/success"
	defaultCancelURL       = "http://localhost:8000/billing/cancel"
	defaultUpstreamTimeout = 30 * time.Second
)

type runtimeConfig struct {
	DatabaseURL         string
	StoreDriver         string
	ListenAddr          string
	AllowedOrigins      string
	SessionSigningKey   string
	SessionSecret       string
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	AIBaseURL           string
	AIAPIKey            string
	AIModel             string
	ImageEndpoint       string
	ImageFolder         string
	UpstreamTimeout     time.Duration
	SignupBonus         int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quickgptd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "quickgptd",
		Short:         "QuickGPT billing and generation API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagStoreDriver, defaultStoreDriver, "store driver: gorm or pgx")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session tokens")
	cmd.Flags().String(flagSessionSecret, "", "shared secret required to mint a session")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe API secret key")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagCheckoutSuccessURL, defaultSuccessURL, "redirect after successful payment")
	cmd.Flags().String(flagCheckoutCancelURL, defaultCancelURL, "redirect after canceled payment")
	cmd.Flags().String(flagAIBaseURL, defaultAIBaseURL, "OpenAI-compatible chat completion base URL")
	cmd.Flags().String(flagAIAPIKey, "", "API key for the chat completion endpoint")
	cmd.Flags().String(flagAIModel, defaultAIModel, "chat completion model")
	cmd.Flags().String(flagImageEndpoint, defaultImageEndpoint, "ImageKit endpoint for prompt-based images")
	cmd.Flags().String(flagImageFolder, defaultImageFolder, "ImageKit folder for generated images")
	cmd.Flags().Duration(flagUpstreamTimeout, defaultUpstreamTimeout, "per-request generation timeout")
	cmd.Flags().Int64(flagSignupBonus, billing.DefaultSignupBonusCredits, "credits granted on first contact")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:         "DATABASE_URL",
		configKeyStoreDriver:         "STORE_DRIVER",
		configKeyListenAddr:          "LISTEN_ADDR",
		configKeyAllowedOrigins:      "ALLOWED_ORIGINS",
		configKeySessionSigningKey:   "SESSION_SIGNING_KEY",
		configKeySessionSecret:       "SESSION_SECRET",
		configKeyStripeSecretKey:     "STRIPE_SECRET_KEY",
		configKeyStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		configKeyCheckoutSuccessURL:  "CHECKOUT_SUCCESS_URL",
		configKeyCheckoutCancelURL:   "CHECKOUT_CANCEL_URL",
		configKeyAIBaseURL:           "AI_BASE_URL",
		configKeyAIAPIKey:            "AI_API_KEY",
		configKeyAIModel:             "AI_MODEL",
		configKeyImageEndpoint:       "IMAGE_ENDPOINT",
		configKeyImageFolder:         "IMAGE_FOLDER",
		configKeyUpstreamTimeout:     "UPSTREAM_TIMEOUT",
		configKeySignupBonus:         "SIGNUP_BONUS",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:         flagDatabaseURL,
		configKeyStoreDriver:         flagStoreDriver,
		configKeyListenAddr:          flagListenAddr,
		configKeyAllowedOrigins:      flagAllowedOrigins,
		configKeySessionSigningKey:   flagSessionSigningKey,
		configKeySessionSecret:       flagSessionSecret,
		configKeyStripeSecretKey:     flagStripeSecretKey,
		configKeyStripeWebhookSecret: flagStripeWebhookSecret,
		configKeyCheckoutSuccessURL:  flagCheckoutSuccessURL,
		configKeyCheckoutCancelURL:   flagCheckoutCancelURL,
		configKeyAIBaseURL:           flagAIBaseURL,
		configKeyAIAPIKey:            flagAIAPIKey,
		configKeyAIModel:             flagAIModel,
		configKeyImageEndpoint:       flagImageEndpoint,
		configKeyImageFolder:         flagImageFolder,
		configKeyUpstreamTimeout:     flagUpstreamTimeout,
		configKeySignupBonus:         flagSignupBonus,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionSecret = viper.GetString(configKeySessionSecret)
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecretKey)
	cfg.StripeWebhookSecret = viper.GetString(configKeyStripeWebhookSecret)
	cfg.CheckoutSuccessURL = viper.GetString(configKeyCheckoutSuccessURL)
	cfg.CheckoutCancelURL = viper.GetString(configKeyCheckoutCancelURL)
	cfg.AIBaseURL = viper.GetString(configKeyAIBaseURL)
	cfg.AIAPIKey = viper.GetString(configKeyAIAPIKey)
	cfg.AIModel = viper.GetString(configKeyAIModel)
	cfg.ImageEndpoint = viper.GetString(configKeyImageEndpoint)
	cfg.ImageFolder = viper.GetString(configKeyImageFolder)
	cfg.UpstreamTimeout = viper.GetDuration(configKeyUpstreamTimeout)
	cfg.SignupBonus = viper.GetInt64(configKeySignupBonus)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.StoreDriver != "gorm" && cfg.StoreDriver != "pgx" {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.SessionSecret == "" {
		return fmt.Errorf("session secret is required")
	}
	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if cfg.SignupBonus < 0 {
		return fmt.Errorf("signup bonus must not be negative")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	billingService, err := billing.NewService(store, clock,
		billing.WithSignupBonus(cfg.SignupBonus),
		billing.WithOperationLogger(newZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}

	httpConfig := httpapi.Config{
		ListenAddr:             cfg.ListenAddr,
		AllowedOrigins:         httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey:      cfg.SessionSigningKey,
		SessionBootstrapSecret: cfg.SessionSecret,
		UpstreamTimeout:        cfg.UpstreamTimeout,
	}
	if err := httpConfig.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	checkout := payments.NewCheckout(cfg.StripeSecretKey, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	webhookHandler := payments.NewWebhookHandler(billingService, cfg.StripeWebhookSecret, logger)
	textGenerator := genai.NewTextClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.UpstreamTimeout)
	imageGenerator := genai.NewImageClient(cfg.ImageEndpoint, cfg.ImageFolder, cfg.UpstreamTimeout)

	handler := httpapi.NewHandler(httpConfig, logger, billingService, checkout, webhookHandler, textGenerator, imageGenerator)
	return httpapi.Run(ctx, httpConfig, handler)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (billing.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreDriver == "pgx" {
		if driver != "postgres" {
			return nil, nil, fmt.Errorf("pgx store requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormConfig := &gorm.Config{}
	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }

	if err := prepareSchema(db, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "quickgpt.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.PurchaseTransaction{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) *zapOperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("credits", entry.Credits),
		zap.String("status", entry.Status),
	}
	if entry.TransactionID != nil {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("billing operation failed", fields...)
		return
	}
	operationLogger.logger.Info("billing operation", fields...)
}
