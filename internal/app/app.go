package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/budget"
	"fx-rate-alerts/internal/config"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/indicator"
	"fx-rate-alerts/internal/metrics"
	"fx-rate-alerts/internal/recon"
	"fx-rate-alerts/internal/scheduler"
	"fx-rate-alerts/internal/service"
	"fx-rate-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSources() ([]fetcher.RateSource, fetcher.IndicatorSource) {
	srcCfg := a.Config.Sources

	reference := fetcher.NewReference(fetcher.ReferenceOptions{
		BaseURL:   srcCfg.Reference.BaseURL,
		Timeout:   srcCfg.Reference.RequestTimeout,
		UserAgent: srcCfg.Reference.UserAgent,
	}, a.Logger)

	market := fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:    srcCfg.Market.BaseURL,
		Timeout:    srcCfg.Market.RequestTimeout,
		UserAgent:  srcCfg.Market.UserAgent,
		AdvertRows: srcCfg.Market.AdvertRows,
		TradeType:  srcCfg.Market.TradeType,
		AssetMap:   srcCfg.Market.AssetMap,
	}, a.Logger)

	sources := []fetcher.RateSource{reference, market}

	var provider fetcher.IndicatorSource
	if srcCfg.ThirdParty.Enabled {
		thirdParty := fetcher.NewThirdParty(fetcher.ThirdPartyOptions{
			BaseURL:   srcCfg.ThirdParty.BaseURL,
			APIKey:    srcCfg.ThirdParty.APIKey,
			Timeout:   srcCfg.ThirdParty.RequestTimeout,
			UserAgent: srcCfg.ThirdParty.UserAgent,
		}, a.Logger)
		sources = append(sources, thirdParty)
		provider = thirdParty
	}

	return sources, provider
}

func (a *App) newGuard(m *metrics.Metrics) *budget.Guard {
	srcCfg := a.Config.Sources
	limits := map[string]budget.SourceLimits{
		fetcher.SourceReference:  budgetLimits(srcCfg.Reference.Budget),
		fetcher.SourceMarket:     budgetLimits(srcCfg.Market.Budget),
		fetcher.SourceThirdParty: budgetLimits(srcCfg.ThirdParty.Budget),
	}
	return budget.New(limits, a.Logger, m)
}

func budgetLimits(cfg config.BudgetConfig) budget.SourceLimits {
	return budget.SourceLimits{
		DailyLimit:   cfg.DailyLimit,
		MinuteLimit:  cfg.MinuteLimit,
		CacheTTL:     cfg.CacheTTL,
		IndicatorTTL: cfg.IndicatorTTL,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newDispatcher(store storage.AlertStore, threshold decimal.Decimal, m *metrics.Metrics) *alerting.Dispatcher {
	cfg := a.Config.Alerting
	tiers := alerting.SeverityTiers{
		SeverePct:   decimal.NewFromFloat(cfg.SeverePct),
		CriticalPct: decimal.NewFromFloat(cfg.CriticalPct),
	}
	retry := alerting.RetryPolicy{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		InitialBackoff: cfg.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
	}
	return alerting.NewDispatcher(store, a.newNotifier(), threshold, tiers, retry, a.Logger, m)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	threshold := decimal.NewFromFloat(a.Config.Reconciliation.ThresholdPct)
	alertsOn := a.Config.Alerting.Enabled
	if store != nil {
		threshold, alertsOn = a.applyRuntimeOverrides(ctx, store, threshold, alertsOn)
	}

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		m = metrics.New()
		a.serveMetrics(ctx)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	sources, provider := a.newSources()
	guard := a.newGuard(m)

	var history storage.PriceHistoryStore
	var alertStore storage.AlertStore
	var locker storage.AdvisoryLocker
	if store != nil {
		history = store
		alertStore = store
		locker = store
	}

	engine := recon.New(guard, sources, history, threshold, a.Logger)

	var dispatcher *alerting.Dispatcher
	if alertsOn {
		dispatcher = a.newDispatcher(alertStore, threshold, m)
	}

	var calc *indicator.Calculator
	indCfg := a.Config.Indicators
	if indCfg.Enabled && indCfg.OnSchedule && history != nil {
		calc = indicator.New(history, guard, provider, indicator.Options{
			SeriesSource:     indCfg.SeriesSource,
			PreferProvider:   indCfg.PreferProvider,
			ProviderInterval: indCfg.ProviderInterval,
		}, a.Logger)
	}

	svc := service.New(service.Options{
		Scheduler:     sched,
		Engine:        engine,
		Dispatcher:    dispatcher,
		Calculator:    calc,
		Pairs:         a.Config.ParsedPairs(),
		IndicatorKind: indCfg.Kind,
		IndicatorWin:  indCfg.Window,
		Locker:        locker,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger, m)

	a.Logger.Info().
		Strs("pairs", a.Config.Pairs).
		Bool("alerting", alertsOn).
		Str("threshold_pct", threshold.String()).
		Msg("starting monitoring service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// applyRuntimeOverrides folds app_config rows over the file/env values.
// Operators flip these through the database browsers without redeploys.
func (a *App) applyRuntimeOverrides(ctx context.Context, store storage.AppConfigStore, threshold decimal.Decimal, alertsOn bool) (decimal.Decimal, bool) {
	if raw, ok, err := store.GetConfigValue(ctx, "reconciliation.threshold_pct"); err == nil && ok {
		if parsed, parseErr := decimal.NewFromString(raw); parseErr == nil && parsed.Sign() >= 0 {
			a.Logger.Info().Str("threshold_pct", parsed.String()).Msg("threshold overridden from app_config")
			threshold = parsed
		}
	} else if err != nil {
		a.Logger.Warn().Err(err).Msg("failed to read app_config overrides")
	}

	if raw, ok, err := store.GetConfigValue(ctx, "alerting.enabled"); err == nil && ok {
		if parsed, parseErr := strconv.ParseBool(raw); parseErr == nil {
			a.Logger.Info().Bool("alerting", parsed).Msg("alerting toggled from app_config")
			alertsOn = parsed
		}
	}

	return threshold, alertsOn
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: a.Config.Metrics.ListenAddr, Handler: mux}
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Pair      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit int
	AckID string
}

// IndicatorOptions configure an on-demand indicator computation.
type IndicatorOptions struct {
	Pair   string
	Kind   string
	Window int
}

// BackfillOptions configure the reference-series backfill job.
type BackfillOptions struct {
	Pair   string
	From   time.Time
	To     time.Time
	DryRun bool
}
