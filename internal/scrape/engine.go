// Package scrape runs the jobs of a configuration snapshot against their
// databases and converts result rows into gauge metric families.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/barryq93/promsql/internal/cache"
	"github.com/barryq93/promsql/internal/config"
	"github.com/barryq93/promsql/internal/db"
	"github.com/barryq93/promsql/internal/render"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// JobLabel is attached to the scrape meta families.
const JobLabel = "job_name"

// Snapshot is one immutable Config together with its private result cache.
type Snapshot struct {
	config *config.Config
	cache  *cache.Cache[MetricFamily]
}

// NewSnapshot prepares cfg for scraping. A nil clock uses the real clock.
func NewSnapshot(cfg *config.Config, clock clockwork.Clock) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("snapshot requires a config")
	}
	var entries int
	for _, job := range cfg.Jobs() {
		entries += len(job.Connections()) * len(job.Queries())
	}
	c, err := cache.New[MetricFamily](uint32(entries), clock)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	return &Snapshot{config: cfg, cache: c}, nil
}

func (s *Snapshot) Config() *config.Config { return s.config }

// Engine executes snapshots. It is safe for concurrent use.
type Engine struct {
	prefix       string
	provider     db.Provider
	renderer     render.Renderer
	logger       logrus.FieldLogger
	clock        clockwork.Clock
	sem          *semaphore.Weighted
	queryTimeout time.Duration
	metrics      *Metrics
}

type Option func(*Engine)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRenderer sets the renderer applied to connection fields and query
// text. The default resolves environment variables.
func WithRenderer(r render.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithMaxConnections caps the number of connections open at the same time
// across all jobs and snapshots run by the engine. n <= 0 means no cap.
func WithMaxConnections(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		} else {
			e.sem = nil
		}
	}
}

// WithQueryTimeout cancels statements running longer than d. A timed out
// query counts as a failed query.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.queryTimeout = d }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine naming families "<prefix>_<query name>".
func NewEngine(prefix string, provider db.Provider, opts ...Option) *Engine {
	if provider == nil {
		panic("scrape: nil connection provider")
	}
	e := &Engine{
		prefix:   prefix,
		provider: provider,
		renderer: render.NewEnvRenderer(),
		logger:   logrus.StandardLogger(),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Prefix() string { return e.prefix }

// Run executes every job of snap concurrently and returns the merged
// families, including the duration and error families of each job. Failures
// inside a job never escape; they are logged and reported through the
// "<prefix>_scrape_error" family. The flag is set by any failure in the job,
// including a connection that could not be rendered or opened and a query
// that returned an error, not only by panics.
func (e *Engine) Run(ctx context.Context, snap *Snapshot) []MetricFamily {
	if snap == nil {
		panic("scrape: Run called with nil snapshot")
	}
	jobs := snap.config.Jobs()
	results := make([][]MetricFamily, len(jobs))

	var g errgroup.Group
	for i, job := range jobs {
		i, job := i, job // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			results[i] = e.runJob(ctx, snap, i, job)
			return nil
		})
	}
	_ = g.Wait()

	var all []MetricFamily
	for _, r := range results {
		all = append(all, r...)
	}
	return Merge(all)
}

func (e *Engine) runJob(ctx context.Context, snap *Snapshot, jobIndex int, job *config.Job) []MetricFamily {
	logger := e.logger.WithField("job", job.Name())
	logger.Debug("Running job")
	start := e.clock.Now()

	var failed atomic.Bool
	conns := job.Connections()
	results := make([][]MetricFamily, len(conns))

	var g errgroup.Group
	for i, def := range conns {
		i, def := i, def // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			defer recoverInto(logger, &failed)
			var ok bool
			results[i], ok = e.runConnection(ctx, snap, jobIndex, i, job, def, logger)
			if !ok {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []MetricFamily
	for _, r := range results {
		out = append(out, r...)
	}

	duration := e.clock.Since(start)
	errValue := 0.0
	if failed.Load() {
		errValue = 1
	}
	logger.WithField("duration", duration).Debug("Job finished")

	return append(out,
		MetricFamily{
			Name:    e.prefix + "_scrape_duration_seconds",
			Help:    "Time this scrape took, in seconds.",
			Samples: []Sample{{Labels: []Label{{Name: JobLabel, Value: job.Name()}}, Value: duration.Seconds()}},
		},
		MetricFamily{
			Name:    e.prefix + "_scrape_error",
			Help:    "Non-zero if this scrape failed.",
			Samples: []Sample{{Labels: []Label{{Name: JobLabel, Value: job.Name()}}, Value: errValue}},
		},
	)
}

// runConnection opens def, runs every query of job on it concurrently and
// closes it. The boolean is false if anything failed.
func (e *Engine) runConnection(ctx context.Context, snap *Snapshot, jobIndex, connIndex int, job *config.Job, def *config.ConnectionDef, logger logrus.FieldLogger) ([]MetricFamily, bool) {
	logger = logger.WithField("connection", def.String())

	url, props, err := e.renderConnection(def)
	if err != nil {
		logger.Errorf("Error rendering connection: %v", err)
		e.metrics.connectFailed(job.Name())
		return nil, false
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			logger.Errorf("Waiting for a connection slot: %v", err)
			return nil, false
		}
		defer e.sem.Release(1)
	}

	conn, err := e.provider.Open(ctx, url, props)
	if err != nil {
		logger.Errorf("Error connecting to database: %v", err)
		e.metrics.connectFailed(job.Name())
		return nil, false
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warnf("Error closing connection: %v", err)
		}
	}()

	queries := job.Queries()
	results := make([]MetricFamily, len(queries))
	produced := make([]bool, len(queries))

	var failed atomic.Bool
	var g errgroup.Group
	for i, q := range queries {
		i, q := i, q // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			defer recoverInto(logger, &failed)
			run := queryRun{
				snap:   snap,
				key:    cache.Key{Job: jobIndex, Connection: connIndex, Query: i},
				job:    job.Name(),
				def:    q,
				conn:   conn,
				logger: logger.WithField("query", q.Name()),
			}
			fam, ok, emit := e.runQuery(ctx, run)
			if !ok {
				failed.Store(true)
			}
			if emit {
				results[i], produced[i] = fam, true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]MetricFamily, 0, len(queries))
	for i, fam := range results {
		if produced[i] {
			out = append(out, fam)
		}
	}
	return out, !failed.Load()
}

func (e *Engine) renderConnection(def *config.ConnectionDef) (string, map[string]string, error) {
	url, err := e.renderer.Render(def.URL())
	if err != nil {
		return "", nil, fmt.Errorf("url: %w", err)
	}
	props := make(map[string]string, 3)
	fields := []struct {
		prop, value string
	}{
		{db.PropUser, def.Username()},
		{db.PropPassword, def.Password()},
		{db.PropDriver, def.DriverClassName()},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		v, err := e.renderer.Render(f.value)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", f.prop, err)
		}
		props[f.prop] = v
	}
	return url, props, nil
}

type queryRun struct {
	snap   *Snapshot
	key    cache.Key
	job    string
	def    *config.QueryDef
	conn   db.Conn
	logger logrus.FieldLogger
}

// runQuery returns the family for one query, from the cache when fresh. The
// first boolean is false when the query failed, the second reports whether
// the family should be part of the output.
func (e *Engine) runQuery(ctx context.Context, run queryRun) (MetricFamily, bool, bool) {
	fam, hit, err := run.snap.cache.GetOrCompute(run.key, run.def.CacheDuration(), func() (MetricFamily, error) {
		return e.execute(ctx, run)
	})
	if hit {
		e.metrics.cacheHit(run.job, run.def.Name())
		return fam, true, true
	}
	if err != nil {
		e.metrics.queryFailed(run.job, run.def.Name())
		var valueErr *valueError
		if errors.As(err, &valueErr) {
			run.logger.Errorf("Sample value %s not found as part of the query result set: %v", valueErr.column, valueErr.err)
			return fam, false, true
		}
		run.logger.Errorf("Error executing query: %v", err)
		return MetricFamily{}, false, false
	}
	return fam, true, true
}

func (e *Engine) execute(ctx context.Context, run queryRun) (MetricFamily, error) {
	text, err := run.snap.config.ResolveQuery(run.def)
	if err != nil {
		return MetricFamily{}, err
	}
	if text, err = e.renderer.Render(text); err != nil {
		return MetricFamily{}, err
	}

	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	start := e.clock.Now()
	rows, err := run.conn.Query(ctx, text)
	if err != nil {
		return MetricFamily{}, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			run.logger.Warnf("Error closing result set: %v", err)
		}
	}()

	fam, err := e.readRows(rows, run)
	e.metrics.observeQuery(run.job, run.def.Name(), e.clock.Since(start).Seconds())
	return fam, err
}

// valueError reports rows whose value column could not be read. The family
// returned with it still holds the samples of the other rows.
type valueError struct {
	column string
	err    error
}

func (e *valueError) Error() string {
	return fmt.Sprintf("reading value column %q: %v", e.column, e.err)
}

func (e *valueError) Unwrap() error { return e.err }

func (e *Engine) readRows(rows db.Rows, run queryRun) (MetricFamily, error) {
	q := run.def
	fam := MetricFamily{Name: e.prefix + "_" + q.Name(), Help: q.Help()}
	static := q.StaticLabels()
	columns := q.Labels()
	valueColumn := q.ValueColumn()

	var valueErr *valueError
	for rows.Next() {
		labels := make([]Label, 0, len(static)+len(columns))
		for _, l := range static {
			labels = append(labels, Label{Name: l.Name, Value: l.Value})
		}
		for _, col := range columns {
			v, err := rows.String(col)
			if err != nil {
				run.logger.Warnf("Label %s not found as part of the query result set.", col)
				v = ""
			}
			labels = append(labels, Label{Name: col, Value: v})
		}

		value, err := rows.Float64(valueColumn)
		if errors.Is(err, db.ErrNull) {
			run.logger.Debugf("Skipping row with NULL in value column %s", valueColumn)
			continue
		}
		if err != nil {
			if valueErr == nil {
				valueErr = &valueError{column: valueColumn, err: err}
			}
			continue
		}
		fam.Samples = append(fam.Samples, Sample{Labels: labels, Value: value})
	}
	if err := rows.Err(); err != nil {
		return MetricFamily{}, &db.QueryError{Err: err}
	}
	if valueErr != nil {
		return fam, valueErr
	}
	return fam, nil
}

func recoverInto(logger logrus.FieldLogger, failed *atomic.Bool) {
	if r := recover(); r != nil {
		logger.Errorf("Recovered from panic: %v", r)
		failed.Store(true)
	}
}
