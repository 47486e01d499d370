// Command taskcored runs the task scheduling core as a standalone daemon: it
// loads config.yaml, wires the run loop to its task store, work queue,
// channels, timers, and HTTP gateway, and blocks until an interrupt signal
// or a fatal gateway error.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/channels"
	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/gateway"
	"github.com/basket/taskcore/internal/kernel"
	taskotel "github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/runloop"
	"github.com/basket/taskcore/internal/store"
	"github.com/basket/taskcore/internal/task"
	"github.com/basket/taskcore/internal/telemetry"
	"github.com/basket/taskcore/internal/timer"
	"github.com/basket/taskcore/internal/workqueue"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "taskcored: %s: %v\n", code, err)
	}
	os.Exit(1)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := taskotel.Init(ctx, taskotel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    otlpExporterName(cfg.Otel.OTLPEndpoint),
		Endpoint:    cfg.Otel.OTLPEndpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := taskotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	var taskStore *store.Store
	if cfg.TaskStore.Enabled {
		storeDir := cfg.TaskStore.Dir
		if !filepath.IsAbs(storeDir) {
			storeDir = filepath.Join(cfg.HomeDir, storeDir)
		}
		taskStore, err = store.New(storeDir)
		if err != nil {
			fatalStartup(logger, "E_STORE_OPEN", err)
		}
		logger.Info("startup phase", "phase", "store_opened", "dir", storeDir)
	}

	// lazySub breaks the construction cycle between the channels (which need
	// a Submitter) and the run loop (which needs the channel Registry for
	// Replies): channels hold lazySub and only call Submit after Start,
	// which happens once loop is already assigned below.
	lazySub := &lazySubmitter{}
	replies := buildChannels(cfg, logger, lazySub)

	// worker is assigned below, after loop exists (Worker.Submitter needs
	// loop); the OnComplete closure captures the variable, not its value, so
	// it resolves to the real worker by the time any task completes.
	var worker *workqueue.Worker
	loop := runloop.New(runloop.Config{
		QueueCapacity: cfg.RunLoop.QueueCapacity,
		Logger:        logger,
		Replies:       replies.registry,
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
		Bus:           eventBus,
		PollInterval:  cfg.RunLoop.PollInterval(),
		ShutdownGrace: cfg.RunLoop.ShutdownGrace(),
		OnComplete: func(t *task.Task) {
			if worker != nil {
				worker.OnComplete(t)
			}
		},
	})
	lazySub.loop = loop

	if taskStore != nil {
		worker = workqueue.New(workqueue.Config{
			Store:        taskStore,
			Submitter:    loop,
			Logger:       logger,
			MaxRetries:   cfg.WorkQueue.MaxRetries,
			RetryBackoff: cfg.WorkQueue.RetryBackoff(),
			PollInterval: cfg.WorkQueue.PollInterval(),
		})
	}

	registerBuiltinHandlers(loop)

	k := kernel.New(kernel.Config{
		WorkDir:   filepath.Join(cfg.HomeDir, "extensions"),
		Submitter: loop,
		Logger:    logger,
	})
	if err := k.Start(); err != nil {
		fatalStartup(logger, "E_KERNEL_START", err)
	}

	gw := gateway.New(cfg.Gateway, loop, logger)
	if replies.websocket != nil {
		gw.Mux().Handle("/ws", replies.websocket.Handler())
	}

	server := &http.Server{
		Addr:    cfg.Gateway.BindAddr,
		Handler: gw.Handler(cfg.Gateway),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		if err := loop.Run(ctx); err != nil {
			logger.Error("runloop exited with error", "error", err)
		}
	}()

	if worker != nil {
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("workqueue worker exited with error", "error", err)
			}
		}()
	}

	go replies.registry.StartAll(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config.yaml changed; restart taskcored to apply", "path", ev.Path)
			}
		}()
	}

	timers, err := buildTimers(cfg)
	if err != nil {
		fatalStartup(logger, "E_TIMER_BUILD", err)
	}
	for _, tm := range timers {
		go func(tm *timer.Timer) {
			if err := tm.Start(ctx, loop); err != nil && ctx.Err() == nil {
				logger.Error("timer failed", "timer_id", tm.ID(), "error", err)
			}
		}(tm)
	}

	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = k.Stop(shutdownCtx)
	replies.registry.StopAll()
	loop.Shutdown(runloop.Graceful)
	logger.Info("shutdown complete")
}

func otlpExporterName(endpoint string) string {
	if endpoint == "" {
		return "stdout"
	}
	return "otlp"
}

// lazySubmitter defers to loop, assigned once the run loop is constructed.
// Channels hold this instead of a *runloop.RunLoop directly so they can be
// built before the loop that depends on their Registry exists.
type lazySubmitter struct {
	loop *runloop.RunLoop
}

func (s *lazySubmitter) Submit(t *task.Task) error { return s.loop.Submit(t) }

type channelSet struct {
	registry  *channels.Registry
	websocket *channels.WebSocketChannel
}

// buildChannels wires the configured channel adapters into a Registry.
func buildChannels(cfg config.Config, logger *slog.Logger, sub channels.Submitter) *channelSet {
	var chans []channels.Channel
	set := &channelSet{}

	if cfg.Channel.WebSocket.Enabled {
		ws := channels.NewWebSocketChannel(taskTypeOrDefault(cfg.Channel.WebSocket.ChannelID, "channel:websocket"), sub, logger)
		set.websocket = ws
		chans = append(chans, ws)
	}
	if cfg.Channel.Telegram.Enabled && cfg.Channel.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channel.Telegram.Token,
			taskTypeOrDefault(cfg.Channel.Telegram.ChannelID, "channel:telegram"),
			cfg.Channel.Telegram.AllowedChatIDs,
			sub,
			logger,
		)
		chans = append(chans, tg)
	}

	set.registry = channels.NewRegistry(logger, chans...)
	return set
}

func taskTypeOrDefault(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return id
}

var priorityByName = map[string]task.Priority{
	"low": task.Low, "normal": task.Normal, "high": task.High, "critical": task.Critical,
}

func buildTimers(cfg config.Config) ([]*timer.Timer, error) {
	var timers []*timer.Timer
	for _, iv := range cfg.Timer.Intervals {
		b := timer.NewBuilder(iv.Name).TaskType(iv.TaskType).Every(time.Duration(iv.EveryMillis) * time.Millisecond).FireImmediate(iv.FireImmediate)
		if p, ok := priorityByName[iv.Priority]; ok {
			b = b.Priority(p)
		}
		t, err := b.Build()
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	for _, cr := range cfg.Timer.Crons {
		b := timer.NewBuilder(cr.Name).TaskType(cr.TaskType).Cron(cr.Expression)
		if p, ok := priorityByName[cr.Priority]; ok {
			b = b.Priority(p)
		}
		t, err := b.Build()
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, nil
}

// registerBuiltinHandlers registers the handlers taskcored ships with: the
// synthesized system:error follow-up a panicking handler produces, logged
// and acknowledged so it never dead-ends as an unhandled task type.
func registerBuiltinHandlers(loop *runloop.RunLoop) {
	_ = loop.RegisterHandler("system:error", func(ctx context.Context, t *task.Task) ([]byte, []task.FollowUp, error) {
		slog.Default().Error("system error task", "task_id", t.ID, "payload", string(t.Payload))
		return nil, nil, nil
	})
}
