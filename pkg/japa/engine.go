package japa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/harunnryd/japa/pkg/adapters/stt"
	"github.com/harunnryd/japa/pkg/counter"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/metrics"
	twilionotify "github.com/harunnryd/japa/pkg/notify/twilio"
	"github.com/harunnryd/japa/pkg/observers"
	"github.com/harunnryd/japa/pkg/redact"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/runner"
	"github.com/harunnryd/japa/pkg/session"
	"github.com/harunnryd/japa/pkg/transports"
	"github.com/harunnryd/japa/pkg/transports/bus"
	"github.com/harunnryd/japa/pkg/transports/web"
)

// Engine wires one session controller to its recognizer, sinks, transports
// and observers, and owns their shutdown order.
type Engine struct {
	cfg        Config
	controller *session.Controller
	recognizer stt.Recognizer
	transports []transports.Transport
	runner     *runner.LifecycleRunner
	asyncObs   *metrics.AsyncObserver
	timeline   *observers.TimelineObserver
	summary    *observers.SummaryObserver
	meters     *sdkmetric.MeterProvider
	metricsH   http.Handler
	logger     *slog.Logger
}

type Options struct {
	Config    Config
	Providers *ProviderRegistry
	// Recognizer overrides the registry lookup.
	Recognizer stt.Recognizer
	// Sinks receive every render update before any transport.
	Sinks []render.Sink
	// Observers are added next to the configured ones.
	Observers []metrics.Observer
	Clock     session.Clock
	// Banner receives the startup banner; nil keeps it quiet.
	Banner io.Writer
}

func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := logging.NewComponentLogger(slog.Default(), "engine")

	rec := opts.Recognizer
	if rec == nil {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviderRegistry()
		}
		built, err := providers.BuildSTT(cfg.Vendors.STT.Provider, cfg)
		if err != nil {
			return nil, err
		}
		rec = built
	}

	e := &Engine{cfg: cfg, recognizer: rec, logger: logger}

	obsList := []metrics.Observer{observers.NewLoggerObserver(slog.Default())}
	dir := strings.TrimSpace(cfg.Observability.ArtifactsDir)
	if dir != "" && cfg.Observability.RetentionDays > 0 {
		n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		if err != nil {
			logger.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
		} else if n > 0 {
			logger.Info("artifacts_purged", "dir", dir, "removed", n)
		}
	}
	e.summary = observers.NewSummaryObserver(slog.Default(), dir)
	obsList = append(obsList, e.summary)
	if dir != "" {
		e.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, e.timeline)
	}
	if cfg.Observability.Metrics {
		mp, handler, err := observers.NewPrometheusMeterProvider()
		if err != nil {
			return nil, err
		}
		otelObs, err := observers.NewOTelObserver(mp)
		if err != nil {
			_ = mp.Shutdown(context.Background())
			return nil, err
		}
		e.meters = mp
		e.metricsH = handler
		obsList = append(obsList, otelObs)
	}
	if cfg.Notify.Twilio.Enabled {
		notifier, err := twilionotify.NewNotifier(cfg.Notify.Twilio)
		if err != nil {
			return nil, err
		}
		obsList = append(obsList, notifier)
	}
	obsList = append(obsList, opts.Observers...)
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.AsyncBuffer)

	sinks := render.NewMulti(opts.Sinks...)
	lex := counter.NewLexiconForLocale(counter.ParseLocale(cfg.Locale), cfg.Lexicon...)
	machine := session.NewMachine(lex, cfg.StopWord, session.Policy{
		ErrorRestartDelay: time.Duration(cfg.Restart.ErrorDelayMS) * time.Millisecond,
		EndRestartDelay:   time.Duration(cfg.Restart.EndDelayMS) * time.Millisecond,
	}, rec.Name())
	e.controller = session.NewController(session.Config{
		Machine:    machine,
		Recognizer: rec,
		Sink:       sinks,
		Observer:   e.asyncObs,
		Clock:      opts.Clock,
		Logger:     logging.NewComponentLogger(slog.Default(), "session"),
	})

	if cfg.Transports.Web.Enabled {
		e.transports = append(e.transports, web.New(cfg.Transports.Web.Config, e.controller, e.metricsH))
	}
	if cfg.Transports.Bus.Enabled {
		e.transports = append(e.transports, bus.New(cfg.Transports.Bus.Config, e.controller))
	}
	for _, t := range e.transports {
		sinks.Add(t)
	}

	hooks := runner.Hooks{
		OnStart: e.onStart,
		OnStop: func() {
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "open_sessions", len(e.summary.Open()))
		},
	}
	e.runner = runner.NewLifecycleRunner(runner.Drainers{
		e.controller,
		runner.DrainFunc(e.stopTransports),
		e.asyncObs,
		runner.DrainFunc(e.closeArtifacts),
	}, hooks, 15*time.Second)
	e.runner.SetBannerOutput(opts.Banner)
	return e, nil
}

func (e *Engine) onStart() {
	fields := []any{
		"stt_provider", e.recognizer.Name(),
		"available", e.controller.Available(),
		"lexicon", strings.Join(e.cfg.Lexicon, ","),
		"stop_word", e.cfg.StopWord,
	}
	for _, t := range e.transports {
		if rr, ok := t.(transports.ReadyReporter); ok {
			for k, v := range rr.ReadyFields() {
				fields = append(fields, t.Name()+"_"+k, v)
			}
		}
	}
	e.logger.Info("engine_ready", fields...)
	if e.cfg.AutoStart {
		if _, err := e.controller.Start(); err != nil {
			e.logger.Warn("auto_start_failed", "error", err.Error())
		}
	}
}

// Run starts the transports and blocks until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.startTransports(ctx); err != nil {
		_ = e.controller.Drain()
		_ = e.asyncObs.Drain()
		_ = e.closeArtifacts()
		return err
	}
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) startTransports(ctx context.Context) error {
	for i, t := range e.transports {
		if err := t.Start(ctx); err != nil {
			for _, started := range e.transports[:i] {
				_ = started.Stop()
			}
			return err
		}
	}
	return nil
}

func (e *Engine) stopTransports() error {
	var errs []error
	for _, t := range e.transports {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) closeArtifacts() error {
	var errs []error
	if e.timeline != nil {
		errs = append(errs, e.timeline.Close())
	}
	if e.meters != nil {
		errs = append(errs, e.meters.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

func (e *Engine) Controller() *session.Controller { return e.controller }

func (e *Engine) Transports() []transports.Transport { return e.transports }

// MetricsHandler is nil unless observability.metrics is on.
func (e *Engine) MetricsHandler() http.Handler { return e.metricsH }

func (e *Engine) Config() Config { return e.cfg }

// State reports the lifecycle state of the engine runner.
func (e *Engine) State() runner.State { return e.runner.State() }
