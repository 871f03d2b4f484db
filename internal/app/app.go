// Package app builds every component from configuration and owns their lifetimes.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/softphone-core/internal/ami"
	"github.com/hamzaKhattat/softphone-core/internal/ara"
	"github.com/hamzaKhattat/softphone-core/internal/config"
	"github.com/hamzaKhattat/softphone-core/internal/coordinator"
	"github.com/hamzaKhattat/softphone-core/internal/db"
	"github.com/hamzaKhattat/softphone-core/internal/health"
	"github.com/hamzaKhattat/softphone-core/internal/history"
	"github.com/hamzaKhattat/softphone-core/internal/integrations/companion"
	"github.com/hamzaKhattat/softphone-core/internal/integrations/homeassistant"
	"github.com/hamzaKhattat/softphone-core/internal/metrics"
	"github.com/hamzaKhattat/softphone-core/internal/settings"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type App struct {
	Config   *config.Config
	Store    db.Store
	History  *history.Log
	Settings *settings.Settings

	Metrics     *metrics.PrometheusMetrics
	AMI         *ami.Manager
	Engine      *ami.Engine
	Coordinator *coordinator.Coordinator
	Health      *health.HealthService

	redis   *redis.Client
	closers []func() error
}

// InitLogger configures pkg/logger from the monitoring section.
func InitLogger(cfg config.LoggingConfig, verbose bool) error {
	logCfg := logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
		File: logger.FileConfig{
			Enabled:    cfg.File.Enabled,
			Path:       cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		},
	}
	if verbose {
		logCfg.Level = "debug"
	}
	return logger.Init(logCfg)
}

// OpenStore builds only the persistence layer. CLI commands use it directly.
func OpenStore(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	switch cfg.Store.Driver {
	case "memory":
		a.Store = db.NewMemoryStore()

	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		a.Store = db.NewRedisStore(client, cfg.Store.Prefix)

	case "mysql":
		conn, err := db.Open(dbConfig(cfg.Database))
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := db.RunMigrations(conn.DB); err != nil {
				conn.Close()
				return nil, err
			}
		}
		a.Store = db.NewMySQLStore(conn)

	default:
		return nil, errors.Newf(errors.ErrConfiguration, "unknown store driver %q", cfg.Store.Driver)
	}
	a.closers = append(a.closers, a.Store.Close)

	a.History = history.New(a.Store)
	a.Settings = settings.New(a.Store)

	logger.WithField("driver", cfg.Store.Driver).Info("Store initialized")
	return a, nil
}

func dbConfig(c config.DatabaseConfig) db.Config {
	return db.Config{
		Host:            c.Host,
		Port:            c.Port,
		Username:        c.Username,
		Password:        c.Password,
		Database:        c.Database,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		RetryAttempts:   c.RetryAttempts,
		RetryDelay:      c.RetryDelay,
	}
}

// OpenProvisioner connects to the Asterisk realtime database.
func OpenProvisioner(cfg *config.Config) (*ara.Provisioner, func() error, error) {
	conn, err := db.Open(dbConfig(cfg.Asterisk.Realtime))
	if err != nil {
		return nil, nil, err
	}
	c := cfg.Asterisk.Contexts
	return ara.NewProvisioner(conn.DB, ara.Contexts{
		Inbound:  c.Inbound,
		Outbound: c.Outbound,
		Answer:   c.Answer,
		Hold:     c.Hold,
	}), conn.Close, nil
}

// NewAMIManager builds an unconnected AMI client from configuration.
func NewAMIManager(cfg *config.Config) *ami.Manager {
	amiCfg := cfg.Asterisk.AMI
	return ami.NewManager(ami.Config{
		Host:              amiCfg.Host,
		Port:              amiCfg.Port,
		Username:          amiCfg.Username,
		Password:          amiCfg.Password,
		ReconnectInterval: amiCfg.ReconnectInterval,
		PingInterval:      amiCfg.PingInterval,
		ActionTimeout:     amiCfg.ActionTimeout,
		ConnectTimeout:    amiCfg.ConnectTimeout,
		BufferSize:        amiCfg.BufferSize,
	})
}

func (a *App) redisClient() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	r := a.Config.Redis
	client, err := db.NewRedisClient(db.RedisConfig{
		Host:         r.Host,
		Port:         r.Port,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		MaxRetries:   r.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// New builds the full service: store, AMI engine, coordinator, metrics and health.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.Asterisk.AMI.Host == "" {
		return nil, errors.New(errors.ErrConfiguration, "asterisk.ami.host is required").
			WithContext("key", "asterisk.ami.host")
	}

	a, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.Metrics = metrics.NewPrometheusMetrics()

	a.AMI = NewAMIManager(cfg)
	registerAMIMetrics(a.Metrics, a.AMI)
	a.Engine = ami.NewEngine(a.AMI, ami.Contexts{
		Outbound: cfg.Asterisk.Contexts.Outbound,
		Answer:   cfg.Asterisk.Contexts.Answer,
		Hold:     cfg.Asterisk.Contexts.Hold,
	}, cfg.Coordinator.EventBuffer)

	a.Coordinator = coordinator.New(a.Engine, a.History, a.Settings, a.Metrics, coordinator.Config{
		TickInterval:     cfg.Coordinator.TickInterval,
		SubscriberBuffer: cfg.Coordinator.SubscriberBuffer,
		CommandBuffer:    cfg.Coordinator.CommandBuffer,
	})

	if ha := cfg.HomeAssistant; ha.Enabled && ha.WebhookURL != "" {
		a.Coordinator.SetNotifier(homeassistant.NewNotifier(homeassistant.Config{
			WebhookURL: ha.WebhookURL,
			Token:      ha.Token,
			Timeout:    ha.Timeout,
		}, a.Metrics))
	}

	a.Health = health.NewHealthService(cfg.Monitoring.Health.Port)
	a.Health.RegisterLivenessCheck("coordinator", health.LoopCheck(a.Coordinator.Ready(), a.Coordinator.Done()))
	a.Health.RegisterReadinessCheck("store", health.StoreCheck(a.Store))
	a.Health.RegisterReadinessCheck("ami", health.EngineCheck(a.AMI.IsLoggedIn))

	return a, nil
}

func registerAMIMetrics(pm *metrics.PrometheusMetrics, m *ami.Manager) {
	pm.RegisterCounterFunc("ami_events_total", "Events read from the manager interface", func() float64 {
		return float64(m.GetStats().TotalEvents)
	})
	pm.RegisterCounterFunc("ami_actions_total", "Actions sent to the manager interface", func() float64 {
		return float64(m.GetStats().TotalActions)
	})
	pm.RegisterCounterFunc("ami_actions_failed_total", "Actions that failed or timed out", func() float64 {
		return float64(m.GetStats().FailedActions)
	})
	pm.RegisterGaugeFunc("ami_logged_in", "1 while the manager session is authenticated", func() float64 {
		if m.GetStats().LoggedIn {
			return 1
		}
		return 0
	})
}

// Run starts every background component and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	var wg sync.WaitGroup

	a.AMI.Start(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Engine.Run(ctx, a.AMI.EventChannel(), a.AMI.StateChannel())
	}()
	go func() {
		defer wg.Done()
		if err := a.Coordinator.Run(ctx); err != nil {
			logger.WithError(err).Error("Coordinator failed")
		}
	}()

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			if err := a.Metrics.ServeHTTP(cfg.Monitoring.Metrics.Port); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	if cfg.Monitoring.Health.Enabled {
		go func() {
			if err := a.Health.Start(); err != nil {
				logger.WithError(err).Error("Health server failed")
			}
		}()
	}

	webhook := a.startWebhook()
	if err := a.startCompanion(ctx, &wg); err != nil {
		logger.WithError(err).Warn("Companion sync disabled")
	}

	logger.Info("Softphone core running")
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if webhook != nil {
		webhook.Shutdown(shutdownCtx)
	}
	if cfg.Monitoring.Health.Enabled {
		a.Health.Stop()
	}
	a.AMI.Close()
	wg.Wait()
	return nil
}

func (a *App) startWebhook() *http.Server {
	ha := a.Config.HomeAssistant
	if !ha.Enabled || ha.ListenPort == 0 {
		return nil
	}

	router := mux.NewRouter()
	homeassistant.NewWebhook(a.Coordinator, ha.Token).Register(router)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", ha.ListenPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", srv.Addr).Info("Home Assistant webhook started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Home Assistant webhook failed")
		}
	}()
	return srv
}

func (a *App) startCompanion(ctx context.Context, wg *sync.WaitGroup) error {
	cc := a.Config.Companion
	if !cc.Enabled {
		return nil
	}

	var pub companion.Publisher
	switch cc.Transport {
	case "kafka":
		pub = companion.NewKafkaPublisher(cc.Kafka.Brokers, cc.Kafka.Topic)
	default:
		client, err := a.redisClient()
		if err != nil {
			return err
		}
		pub = companion.NewRedisPublisher(client, cc.Channel)
	}
	a.closers = append(a.closers, pub.Close)

	syncer := companion.NewSync(a.Coordinator, pub, cc.HistoryLimit, a.Metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		syncer.Run(ctx)
	}()

	client, err := a.redisClient()
	if err != nil {
		logger.WithError(err).Warn("Companion actions need Redis, remote control disabled")
		return nil
	}
	handler := companion.NewHandler(a.Coordinator, syncer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := companion.ListenRedis(ctx, client, cc.ActionsChannel, handler); err != nil {
			logger.WithError(err).Error("Companion action listener stopped")
		}
	}()
	return nil
}

// Close releases stores, clients and publishers in reverse order of creation.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
