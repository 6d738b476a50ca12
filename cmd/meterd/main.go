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

	"github.com/MarkoPoloResearchLab/metering/internal/httpapi"
	"github.com/MarkoPoloResearchLab/metering/internal/notify"
	"github.com/MarkoPoloResearchLab/metering/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/metering/internal/telemetry"
	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagConfigFile        = "config"
	flagAllowedOrigins    = "allowed-origins"
	flagNotifyURL         = "notify-url"
	flagReconcileInterval = "reconcile-interval"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyConfigFile        = "config_file"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyNotifyURL         = "notify_url"
	configKeyReconcileInterval = "reconcile_interval"
	configKeySessionKey        = "session_signing_key"
	configKeyServiceKey        = "service_signing_key"

	defaultDatabaseURL       = "sqlite:///tmp/metering.db"
	defaultListenAddr        = ":8080"
	defaultConfigFile        = "metering.yaml"
	defaultReconcileInterval = time.Hour
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	ConfigFile        string
	AllowedOrigins    string
	NotifyURL         string
	ReconcileInterval time.Duration
	SessionSigningKey string
	ServiceSigningKey string
}

// ledgerConfig holds the deployment-time domain tables loaded from the
// config file: feature costs, policies, bonuses, thresholds, credit packs.
type ledgerConfig struct {
	Features             map[string]int64
	UnknownFeaturePolicy string  `mapstructure:"unknown_feature_policy"`
	LogFreeUsage         bool    `mapstructure:"log_free_usage"`
	SignupBonus          int64   `mapstructure:"signup_bonus"`
	LowBalanceThresholds []int64 `mapstructure:"low_balance_thresholds"`
	Topups               []topupConfig
}

type topupConfig struct {
	Key        string
	Credits    int64
	PriceCents int64 `mapstructure:"price_cents"`
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "meterd",
		Short:         "Prepaid credit ledger and metering service",
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
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagConfigFile, defaultConfigFile, "Path to the feature cost and catalog config file")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().String(flagNotifyURL, "", "Low-balance notification collaborator endpoint (log-only when empty)")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileInterval, "Subscription reconciler tick interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyConfigFile:        "CONFIG_FILE",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyNotifyURL:         "NOTIFY_URL",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
		configKeySessionKey:        "SESSION_SIGNING_KEY",
		configKeyServiceKey:        "SERVICE_SIGNING_KEY",
	}
	for key, envName := range envBindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}
	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyConfigFile:        flagConfigFile,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyNotifyURL:         flagNotifyURL,
		configKeyReconcileInterval: flagReconcileInterval,
	}
	for key, flagName := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.ConfigFile = viper.GetString(configKeyConfigFile)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.NotifyURL = viper.GetString(configKeyNotifyURL)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.SessionSigningKey = viper.GetString(configKeySessionKey)
	cfg.ServiceSigningKey = viper.GetString(configKeyServiceKey)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = defaultConfigFile
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	return nil
}

func loadLedgerConfig(path string) (*ledgerConfig, error) {
	fileConfig := viper.New()
	fileConfig.SetConfigFile(path)
	if err := fileConfig.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read ledger config: %w", err)
	}
	cfg := &ledgerConfig{}
	if err := fileConfig.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse ledger config: %w", err)
	}
	if cfg.UnknownFeaturePolicy == "" {
		return nil, fmt.Errorf("ledger config: unknown_feature_policy is required")
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ledgerCfg, err := loadLedgerConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	registry, err := metering.NewCostRegistry(ledgerCfg.Features, metering.UnknownFeaturePolicy(ledgerCfg.UnknownFeaturePolicy), ledgerCfg.LogFreeUsage)
	if err != nil {
		return fmt.Errorf("cost registry init: %w", err)
	}
	catalog, err := buildCatalog(ledgerCfg.Topups)
	if err != nil {
		return fmt.Errorf("topup catalog init: %w", err)
	}
	signupBonus, err := metering.NewCreditAmount(ledgerCfg.SignupBonus)
	if err != nil {
		return fmt.Errorf("signup bonus init: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promRegistry)
	operationLogger := telemetry.MultiOperationLogger{
		telemetry.NewZapOperationLogger(logger),
		metrics,
	}

	watcher, err := buildWatcher(cfg, ledgerCfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("low balance watcher init: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := metering.NewService(store, registry, clock,
		metering.WithOperationLogger(operationLogger),
		metering.WithLowBalanceWatcher(watcher),
		metering.WithSignupBonus(signupBonus),
		metering.WithTopupCatalog(catalog),
	)
	if err != nil {
		return fmt.Errorf("metering service init: %w", err)
	}

	go runReconciler(ctx, service, logger, cfg.ReconcileInterval)

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		ServiceSigningKey: cfg.ServiceSigningKey,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	handler := httpapi.NewHandler(logger, service, registry, catalog, apiConfig)
	return httpapi.Run(ctx, apiConfig, handler, promRegistry)
}

func buildCatalog(topups []topupConfig) (*metering.TopupCatalog, error) {
	products := make([]metering.TopupProduct, 0, len(topups))
	for _, topup := range topups {
		products = append(products, metering.TopupProduct{
			Key:        topup.Key,
			Credits:    metering.CreditAmount(topup.Credits),
			PriceCents: topup.PriceCents,
		})
	}
	return metering.NewTopupCatalog(products)
}

func buildWatcher(cfg *runtimeConfig, ledgerCfg *ledgerConfig, logger *zap.Logger, metrics *telemetry.Metrics) (*metering.LowBalanceWatcher, error) {
	var notifier metering.LowBalanceNotifier = notify.NewLogNotifier(logger)
	if cfg.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyURL, 0)
	}
	thresholds := make([]metering.CreditAmount, 0, len(ledgerCfg.LowBalanceThresholds))
	for _, raw := range ledgerCfg.LowBalanceThresholds {
		threshold, err := metering.NewCreditAmount(raw)
		if err != nil {
			return nil, err
		}
		thresholds = append(thresholds, threshold)
	}
	observed := countingNotifier{notifier: notifier, metrics: metrics}
	return metering.NewLowBalanceWatcher(observed, thresholds,
		metering.WithWatcherErrorHandler(func(event metering.LowBalanceEvent, err error) {
			logger.Warn("low balance notification failed",
				zap.String("account_id", event.AccountID.String()),
				zap.Int64("threshold", event.Threshold.Int64()),
				zap.Error(err),
			)
		}),
	)
}

// countingNotifier layers the prometheus crossing counter over delivery.
type countingNotifier struct {
	notifier metering.LowBalanceNotifier
	metrics  *telemetry.Metrics
}

func (counting countingNotifier) NotifyLowBalance(ctx context.Context, event metering.LowBalanceEvent) error {
	counting.metrics.ObserveLowBalance(event)
	return counting.notifier.NotifyLowBalance(ctx, event)
}

func runReconciler(ctx context.Context, service *metering.Service, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		granted, err := service.ReconcileSubscriptions(ctx, time.Now().UTC().Unix())
		if err != nil {
			logger.Error("subscription reconcile failed", zap.Error(err))
		} else if len(granted) > 0 {
			logger.Info("subscription reconcile applied grants", zap.Int("count", len(granted)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
	return db.WithContext(ctx), cleanup, nil
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
			path = "metering.db"
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
