package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/shopassist/internal/config"
	"github.com/harun/shopassist/internal/logger"
	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/assistant"
	"github.com/harun/shopassist/pkg/commandqueue"
	"github.com/harun/shopassist/pkg/gateway"
	"github.com/harun/shopassist/pkg/orders"
	"github.com/harun/shopassist/pkg/ordertools"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/siteprofile"
	"github.com/harun/shopassist/pkg/toolexecutor"
	"github.com/harun/shopassist/pkg/transcript"
	"github.com/rs/zerolog"
)

// queueDrainTimeout bounds how long shutdown lets running turns finish
// before the queue cancels them.
const queueDrainTimeout = 5 * time.Second

// Daemon represents the shopassist service
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	// Core modules
	client      provider.Client
	orderDir    orders.Directory
	sqliteDir   *orders.SQLiteDirectory
	tools       *toolexecutor.ToolExecutor
	profiles    *siteprofile.Store
	transcripts *transcript.Store
	queue       *commandqueue.CommandQueue
	manager     *assistant.Manager

	// Services
	gatewayServer *gateway.Server
	watcher       *siteprofile.Watcher
	retention     *transcript.Retention

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log.Zerolog().With().Str("component", "daemon").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("shopassist", cfg.Tracing.SampleRatio); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.logger.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	logger := d.logger

	client, err := provider.New(d.ctx, provider.Config{
		Name:        cfg.Provider.Name,
		Model:       cfg.Provider.Model,
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		ScriptPath:  cfg.Provider.ScriptPath,
		Logger:      &logger,
	})
	if err != nil {
		// Conversations report the provider as unavailable until the
		// configuration is fixed.
		logger.Error().Err(err).Str("provider", cfg.Provider.Name).Msg("Provider unavailable")
	} else {
		d.client = client
	}

	if err := d.initializeOrders(); err != nil {
		return err
	}

	d.tools = toolexecutor.New(toolexecutor.Config{
		Timeout: time.Duration(cfg.Assistant.ToolTimeout) * time.Second,
		Logger:  &logger,
	})
	if err := ordertools.Register(d.tools, d.orderDir); err != nil {
		return fmt.Errorf("failed to register order tools: %w", err)
	}

	profile, err := d.loadProfile()
	if err != nil {
		return err
	}
	d.profiles = siteprofile.NewStore(profile)

	var sink assistant.TranscriptSink
	if cfg.Transcripts.Enabled {
		store, err := transcript.New(cfg.Transcripts.Dir, &logger)
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		d.transcripts = store
		sink = store
	}

	d.queue = commandqueue.New(&logger)

	manager, err := assistant.NewManager(assistant.Config{
		Client:            d.client,
		Tools:             d.tools,
		Profiles:          d.profiles,
		Sink:              sink,
		Queue:             d.queue,
		TurnPolicy:        assistant.TurnPolicy(cfg.Assistant.TurnPolicy),
		MaxToolRounds:     cfg.Assistant.MaxToolRounds,
		StreamIdleTimeout: cfg.Assistant.IdleTimeout(),
		SaveTimeout:       time.Duration(cfg.Assistant.SaveTimeout) * time.Second,
		SystemInstruction: cfg.Assistant.SystemInstruction,
		Logger:            &logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation manager: %w", err)
	}
	d.manager = manager

	logger.Info().
		Str("provider", cfg.Provider.Name).
		Str("orders", cfg.Orders.Driver).
		Strs("tools", d.tools.ListTools()).
		Bool("transcripts", d.transcripts != nil).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeOrders() error {
	cfg := d.config.Orders

	var seed []orders.Order
	if cfg.SeedFile != "" {
		list, err := orders.LoadJSON(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to load order seed: %w", err)
		}
		seed = list
	}

	switch cfg.Driver {
	case "memory":
		d.orderDir = orders.NewMemoryDirectory(seed)
	default:
		dir, err := orders.OpenSQLite(cfg.Path, &d.logger)
		if err != nil {
			return fmt.Errorf("failed to open order database: %w", err)
		}
		d.sqliteDir = dir
		d.orderDir = dir
		if len(seed) > 0 {
			n, err := dir.Import(d.ctx, seed)
			if err != nil {
				return fmt.Errorf("failed to import order seed: %w", err)
			}
			d.logger.Info().Int("orders", n).Str("file", cfg.SeedFile).Msg("Order seed imported")
		}
	}
	return nil
}

func (d *Daemon) loadProfile() (siteprofile.Profile, error) {
	site := d.config.Site
	if site.ProfilePath != "" {
		profile, err := siteprofile.LoadFile(site.ProfilePath)
		if err != nil {
			return siteprofile.Profile{}, err
		}
		return profile, nil
	}

	profile := siteprofile.Profile{
		CompanyName:   site.CompanyName,
		Phone:         site.Phone,
		Email:         site.Email,
		Address:       site.Address,
		Website:       site.Website,
		BusinessHours: site.BusinessHours,
		Tone:          site.Tone,
	}
	if err := profile.Validate(); err != nil {
		return siteprofile.Profile{}, fmt.Errorf("invalid site profile: %w", err)
	}
	return profile, nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	gwCfg := gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		TickInterval:      time.Duration(cfg.Gateway.TickInterval) * time.Second,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Manager:           d.manager,
		Logger:            d.logger,
	}
	if cfg.Gateway.TickInterval <= 0 {
		gwCfg.TickInterval = -1
	}
	if d.transcripts != nil {
		gwCfg.History = d.transcripts
	}
	server, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if cfg.Site.ProfilePath != "" && cfg.Site.Watch {
		watcher, err := siteprofile.NewWatcher(siteprofile.WatcherConfig{
			Path:  cfg.Site.ProfilePath,
			Store: d.profiles,
			OnReload: func(p siteprofile.Profile) {
				d.logger.Info().Str("company", p.CompanyName).Msg("Site profile reloaded")
			},
			Logger: &d.logger,
		})
		if err != nil {
			d.logger.Warn().Err(err).Msg("Site profile watcher disabled")
		} else {
			d.watcher = watcher
		}
	}

	if d.transcripts != nil {
		retention, err := transcript.NewRetention(d.transcripts, transcript.RetentionConfig{
			MaxAge:   time.Duration(cfg.Transcripts.MaxAgeDays) * 24 * time.Hour,
			Schedule: cfg.Transcripts.Schedule,
		})
		if err != nil {
			return fmt.Errorf("failed to create transcript retention: %w", err)
		}
		d.retention = retention
	}

	return nil
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting shopassist daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.watcher.Run(d.ctx)
		}()
		logger.Info().Str("path", d.config.Site.ProfilePath).Msg("Site profile watcher started")
	}

	if d.retention != nil {
		if err := d.retention.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start transcript retention")
		} else {
			logger.Info().Str("schedule", d.config.Transcripts.Schedule).Msg("Transcript retention started")
		}
	}

	logger.Info().Msg("shopassist daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon and releases every resource it owns.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping shopassist daemon")

	var errs []error

	// Dropping connections closes and saves their conversations.
	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	if d.retention != nil && d.retention.IsRunning() {
		if err := d.retention.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop transcript retention")
		}
	}

	if d.watcher != nil {
		d.watcher.Stop()
	}

	if err := d.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	logger.Info().Msg("shopassist daemon stopped")
	return errors.Join(errs...)
}

// Close releases the modules built by New. Stop calls it; callers that never
// started the daemon, like the chat command, call it directly.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	if d.manager != nil {
		if err := d.manager.CloseAll(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close conversations")
			errs = append(errs, err)
		}
	}
	d.release()
	d.wg.Wait()

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	return errors.Join(errs...)
}

// release cancels background work and closes owned handles.
func (d *Daemon) release() {
	d.cancel()
	if d.queue != nil {
		if !d.queue.WaitForActive(queueDrainTimeout) {
			d.logger.Warn().Msg("Turns still running at shutdown")
		}
		if err := d.queue.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.sqliteDir != nil {
		if err := d.sqliteDir.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close order database")
		}
	}
}

// Status returns daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Clients = len(d.gatewayServer.GetConnectedClients())
		status.Conversations = d.manager.Len()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// Manager returns the conversation manager
func (d *Daemon) Manager() *assistant.Manager {
	return d.manager
}

// Transcripts returns the transcript store, nil when persistence is off.
func (d *Daemon) Transcripts() *transcript.Store {
	return d.transcripts
}

// Status represents daemon status
type Status struct {
	Running       bool
	Uptime        time.Duration
	StartTime     time.Time
	Clients       int
	Conversations int
}
