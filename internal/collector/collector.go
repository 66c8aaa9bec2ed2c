// Package collector keeps the active configuration snapshots of a source,
// reloads them when the source changes and serves their scrapes as a
// prometheus.Gatherer.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barryq93/promsql/internal/config"
	"github.com/barryq93/promsql/internal/scrape"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Loader reads every configuration of a source.
type Loader func(path string) ([]*config.Config, error)

// ModTimeFunc reports the modification time of a source.
type ModTimeFunc func(path string) (time.Time, error)

// Collector is safe for concurrent use.
type Collector struct {
	source  string
	engine  *scrape.Engine
	logger  logrus.FieldLogger
	clock   clockwork.Clock
	load    Loader
	modTime ModTimeFunc

	active atomic.Pointer[[]*scrape.Snapshot]

	mu           sync.Mutex
	lastModified time.Time
	lastReload   time.Time
	lastError    error

	registry      *prometheus.Registry
	reloadSuccess prometheus.Counter
	reloadFailure prometheus.Counter
	extra         []prometheus.Collector
}

type Option func(*Collector)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Collector) { c.logger = logger }
}

// WithClock sets the clock shared by the result caches of new snapshots.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Collector) { c.clock = clock }
}

// WithLoader replaces how the source is read and how its modification time
// is obtained. The defaults are config.LoadSource and config.SourceModTime.
func WithLoader(load Loader, modTime ModTimeFunc) Option {
	return func(c *Collector) {
		if load != nil {
			c.load = load
		}
		if modTime != nil {
			c.modTime = modTime
		}
	}
}

// WithCollectors registers additional collectors on the collector's own
// registry, exposing them through Gather.
func WithCollectors(cs ...prometheus.Collector) Option {
	return func(c *Collector) { c.extra = append(c.extra, cs...) }
}

// New loads source and fails unless it yields at least one configuration.
// The families of the engine and the reload counters are named with the
// engine's prefix.
func New(source string, engine *scrape.Engine, opts ...Option) (*Collector, error) {
	if engine == nil {
		return nil, errors.New("collector requires a scrape engine")
	}
	c := &Collector{
		source:   source,
		engine:   engine,
		logger:   logrus.StandardLogger(),
		clock:    clockwork.NewRealClock(),
		load:     config.LoadSource,
		modTime:  config.SourceModTime,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("source", source)

	prefix := engine.Prefix()
	c.reloadSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_config_reload_success_total",
		Help: "Number of times configuration have successfully been reloaded.",
	})
	c.reloadFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_config_reload_failure_total",
		Help: "Number of times configuration have failed to be reloaded.",
	})
	for _, m := range append([]prometheus.Collector{c.reloadSuccess, c.reloadFailure}, c.extra...) {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("registering collector metrics: %w", err)
		}
	}

	modified, err := c.modTime(source)
	if err != nil {
		return nil, &config.ConfigError{Source: source, Err: err}
	}
	snapshots, err := c.loadSnapshots()
	if err != nil {
		return nil, err
	}
	c.active.Store(&snapshots)
	c.lastModified = modified
	c.lastReload = c.clock.Now()
	return c, nil
}

func (c *Collector) loadSnapshots() ([]*scrape.Snapshot, error) {
	configs, err := c.load(c.source)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, &config.ConfigError{Source: c.source, Err: errors.New("no configuration found")}
	}
	snapshots := make([]*scrape.Snapshot, 0, len(configs))
	for _, cfg := range configs {
		snap, err := scrape.NewSnapshot(cfg, c.clock)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// ReloadIfOutdated reloads the source when its modification time differs
// from the one last loaded. It reports whether a reload happened. On failure
// the active snapshots stay in place and the next call tries again.
func (c *Collector) ReloadIfOutdated() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	modified, err := c.modTime(c.source)
	if err != nil {
		return false, c.reloadFailed(&config.ConfigError{Source: c.source, Err: err})
	}
	if modified.Equal(c.lastModified) {
		return false, nil
	}

	c.logger.Debug("Configuration changed, reloading")
	snapshots, err := c.loadSnapshots()
	if err != nil {
		return false, c.reloadFailed(err)
	}
	c.active.Store(&snapshots)
	c.lastModified = modified
	c.lastReload = c.clock.Now()
	c.lastError = nil
	c.reloadSuccess.Inc()
	c.logger.WithField("configs", len(snapshots)).Info("Configuration reloaded successfully")
	return true, nil
}

func (c *Collector) reloadFailed(err error) error {
	c.lastError = err
	c.reloadFailure.Inc()
	c.logger.Errorf("Configuration reload failed: %v", err)
	return err
}

// Snapshots returns the active snapshots.
func (c *Collector) Snapshots() []*scrape.Snapshot {
	return *c.active.Load()
}

// Collect reloads the source if needed, then scrapes every active snapshot
// concurrently and returns the merged families.
func (c *Collector) Collect(ctx context.Context) []scrape.MetricFamily {
	_, _ = c.ReloadIfOutdated()

	snapshots := c.Snapshots()
	results := make([][]scrape.MetricFamily, len(snapshots))
	var g errgroup.Group
	for i, snap := range snapshots {
		i, snap := i, snap // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			results[i] = c.engine.Run(ctx, snap)
			return nil
		})
	}
	_ = g.Wait()

	var all []scrape.MetricFamily
	for _, r := range results {
		all = append(all, r...)
	}
	return scrape.Merge(all)
}

// Gather implements prometheus.Gatherer. It returns the reload counters and
// any registered collectors together with one scrape of the active snapshots.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return prometheus.Gatherers{
		c.registry,
		prometheus.GathererFunc(c.gatherScrape),
	}.Gather()
}

func (c *Collector) gatherScrape() ([]*dto.MetricFamily, error) {
	families := c.Collect(context.Background())
	out := make([]*dto.MetricFamily, 0, len(families))
	for _, f := range families {
		if len(f.Samples) == 0 {
			continue
		}
		out = append(out, f.ToDTO())
	}
	return out, nil
}

// Status describes the loaded configuration.
type Status struct {
	Source       string    `json:"source"`
	Configs      int       `json:"configs"`
	Jobs         []string  `json:"jobs"`
	LastModified time.Time `json:"last_modified"`
	LastReload   time.Time `json:"last_reload"`
	LastError    string    `json:"last_error,omitempty"`
}

func (c *Collector) Status() Status {
	snapshots := c.Snapshots()
	st := Status{Source: c.source, Configs: len(snapshots), Jobs: []string{}}
	for _, snap := range snapshots {
		for _, job := range snap.Config().Jobs() {
			st.Jobs = append(st.Jobs, job.Name())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st.LastModified = c.lastModified
	st.LastReload = c.lastReload
	if c.lastError != nil {
		st.LastError = c.lastError.Error()
	}
	return st
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
