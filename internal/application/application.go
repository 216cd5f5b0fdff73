package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lantern/cli/internal/agentloop"
	"lantern/cli/internal/credstore"
	"lantern/cli/internal/db"
	"lantern/cli/internal/global"
	"lantern/cli/internal/historydb"
	"lantern/cli/internal/lifecycle"
	"lantern/cli/internal/memory"
	"lantern/cli/internal/notify"
	"lantern/cli/internal/orchestrator"
	"lantern/cli/internal/sandbox"
	"lantern/cli/internal/surface"
	"lantern/cli/internal/sysevents"
	"lantern/cli/internal/thoughtdb"
	"lantern/cli/internal/thoughts"
	"lantern/cli/internal/vm"
)

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 4717
	defaultModel        = "gpt-5-mini"
	dbFileName          = "lantern.db"
	secretFileName      = ".lantern-service-secret"
	memoryDirName       = "memory"
	questsDirName       = "quests"
	httpShutdownTimeout = 3 * time.Second
	turnDrainTimeout    = 10 * time.Second
	bootThoughtContent  = "Lantern just started. Catch up on anything that finished or changed while you were away."
)

type Application struct {
	localAPIBaseURL string
	dbDSN           string
	logger          *slog.Logger

	gdb        *gorm.DB
	scheduler  *thoughts.Scheduler
	supervisor *sandbox.Supervisor
	orch       *orchestrator.Orchestrator
	watcher    *sysevents.Watcher
	httpServer *http.Server
	heartbeat  bool

	mgr          *lifecycle.Manager
	shutdownOnce sync.Once
	shutdownErr  error
}

// StartApplication builds every long-lived service once. Nothing runs until Run.
func StartApplication(_ context.Context, opts StartOptions) (*Application, error) {
	configDir := strings.TrimSpace(opts.ConfigDir)
	if configDir == "" {
		return nil, errors.New("config dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := global.NewConfigStore(configDir).LoadOrInit()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	gdb, dsn, err := openDB(opts)
	if err != nil {
		return nil, err
	}
	app := &Application{dbDSN: dsn, logger: logger.With("module", "application"), gdb: gdb, heartbeat: cfg.Scheduler.HeartbeatEnabled}
	if err := app.build(opts, cfg, configDir); err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	return app, nil
}

func (a *Application) build(opts StartOptions, cfg global.GlobalConfig, configDir string) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	creds, err := credstore.NewStore(a.gdb, filepath.Join(configDir, secretFileName))
	if err != nil {
		return err
	}
	service, err := creds.Resolve(opts.Service.Endpoint, opts.Service.Model, opts.Service.APIKey)
	if err != nil {
		return fmt.Errorf("resolve service credentials: %w", err)
	}
	thoughtStore, err := thoughtdb.NewStore(a.gdb)
	if err != nil {
		return err
	}
	history, err := historydb.NewStore(a.gdb)
	if err != nil {
		return err
	}
	memStore, err := memory.NewStore(filepath.Join(configDir, memoryDirName))
	if err != nil {
		return err
	}

	hbMin, hbMax := cfg.Scheduler.HeartbeatBounds()
	a.scheduler = thoughts.NewScheduler(thoughts.Options{
		Persister:      thoughtStore,
		Logger:         logger,
		CoalesceWindow: cfg.Scheduler.CoalesceWindow(),
		HeartbeatMin:   hbMin,
		HeartbeatMax:   hbMax,
		PastDuePolicy:  cfg.Scheduler.PastDuePolicy,
	})

	exec := opts.VMExec
	if exec == nil {
		exec = &vm.RealExec{}
	}
	a.supervisor, err = newSupervisor(cfg.Sandbox, configDir, exec, logger, func() string {
		if key, ok, err := creds.WorkerKey(); err == nil && ok {
			return key
		}
		return service.APIKey
	})
	if err != nil {
		return err
	}

	shared := agentloop.NewToolRegistry()
	if err := shared.Register(memory.Tools(memStore, nil)...); err != nil {
		return err
	}
	if err := shared.Register(orchestrator.SchedulerTools(a.scheduler, nil)...); err != nil {
		return err
	}

	hub := surface.NewHub(logger)
	var notifier surface.Notifier
	if n := notify.New(exec, cfg.Notify.Command, cfg.Notify.Enabled, logger); n.Enabled() {
		notifier = n
	}
	delivery := surface.NewDelivery(history, hub, notifier, logger)

	api := opts.API
	model := firstNonEmpty(service.Model, cfg.Orchestrator.Model, defaultModel)
	if api == nil {
		if !service.APIKeySet {
			a.logger.Warn("reasoning service api key is not configured; turns will fail until OPENAI_API_KEY is set")
		}
		api = agentloop.NewResponsesClient(agentloop.OpenAIConfig{BaseURL: service.Endpoint, Model: model, APIKey: service.APIKey}, nil)
	}
	a.orch, err = orchestrator.New(orchestrator.Options{
		API:                api,
		Model:              model,
		MaxIterations:      cfg.Orchestrator.MaxIterations,
		Shared:             shared,
		Scheduler:          a.scheduler,
		Sandbox:            a.supervisor,
		Delivery:           delivery,
		History:            history,
		Memory:             memStore,
		Persona:            cfg.Orchestrator.Persona,
		ConversationWindow: cfg.Orchestrator.ConversationWindow,
		MemoryBudget:       cfg.Orchestrator.MemoryBudgetChars,
		OnTurnDone: func(r orchestrator.TurnReport) {
			payload := map[string]any{"delivered": r.Delivered != "", "iterations": r.Iterations, "tool_calls": r.ToolCalls}
			if r.Err != nil {
				payload["error"] = r.Err.Error()
			}
			hub.Publish("turn.finished", payload)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	a.scheduler.SetBatchHandler(a.orch.Wake)

	if len(cfg.Watch.Paths) > 0 {
		a.watcher, err = sysevents.New(sysevents.Options{
			Scheduler: a.scheduler,
			Paths:     cfg.Watch.Paths,
			Debounce:  cfg.Watch.Debounce(),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
	}

	server := surface.NewServer(surface.Deps{
		Thoughts: a.scheduler,
		History:  history,
		Agent:    a.orch,
		Quests:   a.supervisor,
		Hub:      hub,
		Logger:   logger,
	})
	host := strings.TrimSpace(opts.LocalHost)
	if host == "" {
		host = defaultHost
	}
	port := opts.LocalPort
	if port <= 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	a.httpServer = &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	a.localAPIBaseURL = "http://" + addr

	a.mgr = lifecycle.NewManager().WithLogger(logger)
	a.mgr.AddRun("agent", a.runAgent)
	a.mgr.AddRun("http-server", a.runHTTP)
	a.mgr.AddShutdown("agent-shutdown", a.Shutdown)
	return nil
}

func newSupervisor(cfg global.SandboxConfig, configDir string, exec vm.Exec, logger *slog.Logger, credential func() string) (*sandbox.Supervisor, error) {
	return sandbox.NewSupervisor(sandbox.Options{
		Root:                filepath.Join(configDir, questsDirName),
		Driver:              vm.NewAdapter(exec, cfg.VMBinary),
		BaseImage:           cfg.BaseImage,
		PollInterval:        cfg.PollInterval(),
		DefaultTimeout:      time.Duration(cfg.DefaultTimeoutMinutes) * time.Minute,
		MaxTimeout:          time.Duration(cfg.MaxTimeoutMinutes) * time.Minute,
		DefaultModel:        cfg.DefaultModel,
		DefaultMaxTurns:     cfg.DefaultMaxTurns,
		DefaultMaxBudgetUSD: cfg.DefaultMaxBudgetUSD,
		Credential:          credential,
		Logger:              logger,
	})
}

// runAgent restores durable state, starts the background triggers and wakes
// the orchestrator once for boot.
func (a *Application) runAgent(ctx context.Context) error {
	loaded := a.scheduler.Load()
	recovered := a.supervisor.Recover()
	if a.heartbeat {
		a.scheduler.StartHeartbeat()
	}
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("file watcher unavailable", "err", err)
		}
	}
	a.logger.Info("agent started",
		"armed", loaded.Armed,
		"discarded", loaded.Discarded,
		"fired_past_due", loaded.Fired,
		"rolled_forward", loaded.Rolled,
		"recovered_quests", recovered,
	)
	now := time.Now()
	a.orch.Wake([]thoughts.Thought{{
		ID:        uuid.NewString(),
		Content:   bootThoughtContent,
		Source:    thoughts.SourceBoot,
		FireDate:  now,
		CreatedAt: now,
		Metadata:  map[string]string{"recovered_quests": fmt.Sprint(recovered)},
	}})
	<-ctx.Done()
	return nil
}

func (a *Application) runHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}()
	a.logger.Info("local api listening", "addr", a.httpServer.Addr)
	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Application) LocalAPIBaseURL() string {
	if a == nil {
		return ""
	}
	return a.localAPIBaseURL
}

func (a *Application) DBDSN() string {
	if a == nil {
		return ""
	}
	return a.dbDSN
}

func (a *Application) Scheduler() *thoughts.Scheduler {
	return a.scheduler
}

func (a *Application) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Run blocks until ctx ends or a run job fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if a == nil || a.mgr == nil {
		return nil
	}
	return a.mgr.StartAndWait(ctx)
}

// Shutdown stops triggers first, then the orchestrator, the sandbox worker,
// the scheduler timers, the HTTP server and the database. It runs once.
func (a *Application) Shutdown(context.Context) error {
	if a == nil {
		return nil
	}
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.scheduler.StopHeartbeat()

		drainCtx, cancel := context.WithTimeout(context.Background(), turnDrainTimeout)
		if err := a.orch.Close(drainCtx); err != nil {
			a.logger.Warn("turn still running at shutdown", "err", err)
		}
		cancel()

		killCtx, cancel := context.WithTimeout(context.Background(), turnDrainTimeout)
		a.supervisor.KillAll(killCtx)
		cancel()

		a.scheduler.Close()

		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := a.httpServer.Shutdown(httpCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		cancel()

		if err := db.Close(a.gdb); err != nil {
			errs = append(errs, err)
		}
		a.shutdownErr = errors.Join(errs...)
		a.logger.Info("agent stopped")
	})
	return a.shutdownErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ListThoughts reads the persisted scheduled thoughts without starting the agent.
func ListThoughts(opts StartOptions) ([]thoughts.Thought, error) {
	gdb, _, err := openDB(opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close(gdb) }()
	store, err := thoughtdb.NewStore(gdb)
	if err != nil {
		return nil, err
	}
	return store.LoadThoughts()
}

// HarvestQuests consumes finished sub-agent results. Tracking records are
// left alone; a running agent may still own them.
func HarvestQuests(opts StartOptions) ([]sandbox.QuestResult, error) {
	configDir := strings.TrimSpace(opts.ConfigDir)
	if configDir == "" {
		return nil, errors.New("config dir is required")
	}
	cfg, err := global.NewConfigStore(configDir).LoadOrInit()
	if err != nil {
		return nil, err
	}
	exec := opts.VMExec
	if exec == nil {
		exec = &vm.RealExec{}
	}
	sup, err := newSupervisor(cfg.Sandbox, configDir, exec, opts.Logger, func() string { return "" })
	if err != nil {
		return nil, err
	}
	return sup.Harvest(), nil
}

// SaveServiceCredentials overlays the non-empty values on the stored
// reasoning-service settings and persists the result. The API key is sealed.
func SaveServiceCredentials(opts StartOptions, endpoint, model, apiKey string) (credstore.ServiceCredentials, error) {
	creds, closeDB, err := openCredStore(opts)
	if err != nil {
		return credstore.ServiceCredentials{}, err
	}
	defer closeDB()
	merged, err := creds.Resolve(endpoint, model, apiKey)
	if err != nil {
		return credstore.ServiceCredentials{}, err
	}
	if merged.Endpoint == "" && merged.Model == "" && !merged.APIKeySet {
		return credstore.ServiceCredentials{}, errors.New("nothing to save: endpoint, model or api key is required")
	}
	if err := creds.SaveService(merged); err != nil {
		return credstore.ServiceCredentials{}, fmt.Errorf("save service credentials: %w", err)
	}
	return merged, nil
}

// SaveWorkerKey stores the credential handed to sub-agent workers.
func SaveWorkerKey(opts StartOptions, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return errors.New("worker api key is required")
	}
	creds, closeDB, err := openCredStore(opts)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := creds.SaveWorkerKey(strings.TrimSpace(apiKey)); err != nil {
		return fmt.Errorf("save worker key: %w", err)
	}
	return nil
}

func openCredStore(opts StartOptions) (*credstore.Store, func(), error) {
	gdb, _, err := openDB(opts)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() { _ = db.Close(gdb) }
	creds, err := credstore.NewStore(gdb, filepath.Join(strings.TrimSpace(opts.ConfigDir), secretFileName))
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return creds, closeDB, nil
}

// MigrateUp opens the database, which applies the schema and data migrations.
func MigrateUp(opts StartOptions) error {
	gdb, _, err := openDB(opts)
	if err != nil {
		return err
	}
	return db.Close(gdb)
}

func openDB(opts StartOptions) (*gorm.DB, string, error) {
	configDir := strings.TrimSpace(opts.ConfigDir)
	if configDir == "" {
		return nil, "", errors.New("config dir is required")
	}
	dsn := strings.TrimSpace(opts.DBDSN)
	if dsn == "" {
		dsn = filepath.Join(configDir, dbFileName)
	}
	gdb, err := db.Open(dsn, configDir)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	return gdb, dsn, nil
}
