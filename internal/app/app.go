package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/barryq93/promsql/internal/collector"
	"github.com/barryq93/promsql/internal/db"
	"github.com/barryq93/promsql/internal/render"
	"github.com/barryq93/promsql/internal/scrape"
	"github.com/barryq93/promsql/internal/server"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Options configure an Application.
type Options struct {
	// ConfigSource is a configuration file or a directory of them.
	ConfigSource string
	MetricPrefix string

	Server server.Config

	// MaxConnections caps simultaneously open database connections. Zero means no cap.
	MaxConnections int64
	QueryTimeout   time.Duration
	// MaxOpenConns caps the driver connections behind one configured
	// connection, bounding how many of its queries run at once. Zero means no cap.
	MaxOpenConns int
	// ConnMaxLifetime bounds how long a pooled driver connection is reused.
	ConnMaxLifetime time.Duration

	// EncryptionKey enables ENC(...) values in the configuration.
	EncryptionKey string

	// Watch reloads the configuration on file system events in addition to
	// the check done before every collection.
	Watch bool

	Logger   *logrus.Logger
	Provider db.Provider
	Clock    clockwork.Clock
}

type Application struct {
	opts      Options
	logger    *logrus.Logger
	collector *collector.Collector
	server    *server.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication loads the configuration and wires the scrape engine, the
// collector and the HTTP server. Nothing is started until Run.
func NewApplication(opts Options) (*Application, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Provider == nil {
		opts.Provider = newProvider(opts)
	}

	renderer, err := newRenderer(opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	metrics := scrape.NewMetrics(opts.MetricPrefix)
	engine := scrape.NewEngine(opts.MetricPrefix, opts.Provider,
		scrape.WithLogger(opts.Logger),
		scrape.WithClock(opts.Clock),
		scrape.WithRenderer(renderer),
		scrape.WithMaxConnections(opts.MaxConnections),
		scrape.WithQueryTimeout(opts.QueryTimeout),
		scrape.WithMetrics(metrics),
	)

	c, err := collector.New(opts.ConfigSource, engine,
		collector.WithLogger(opts.Logger),
		collector.WithClock(opts.Clock),
		collector.WithCollectors(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	srv, err := server.New(opts.Server, c, c, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("configuring HTTP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Application{opts: opts, logger: opts.Logger, collector: c, server: srv, ctx: ctx, cancel: cancel}, nil
}

func newProvider(opts Options) *db.SQLProvider {
	return &db.SQLProvider{MaxOpenConns: opts.MaxOpenConns, ConnMaxLifetime: opts.ConnMaxLifetime}
}

func newRenderer(encryptionKey string) (render.Renderer, error) {
	env := render.NewEnvRenderer()
	if encryptionKey == "" {
		return env, nil
	}
	decrypter, err := render.NewDecrypter([]byte(encryptionKey))
	if err != nil {
		return nil, err
	}
	return render.Chain{env, decrypter}, nil
}

func (app *Application) Collector() *collector.Collector { return app.collector }

// Run starts the config watcher, if enabled, and the HTTP server. It returns
// when the server stops.
func (app *Application) Run() error {
	if app.opts.Watch {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.collector.Watch(app.ctx); err != nil {
				app.logger.Errorf("Config watcher stopped: %v", err)
			}
		}()
	}
	return app.server.ListenAndServe()
}

// DryRun performs one scrape of every configuration and returns it.
func (app *Application) DryRun(ctx context.Context) []scrape.MetricFamily {
	return app.collector.Collect(ctx)
}

func (app *Application) Shutdown() {
	app.cancel()
	if err := app.server.Shutdown(); err != nil {
		app.logger.Errorf("Server shutdown failed: %v", err)
	}
	app.wg.Wait()
}
