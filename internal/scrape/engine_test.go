package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/barryq93/promsql/internal/config"
	"github.com/barryq93/promsql/internal/db"
	"github.com/barryq93/promsql/internal/render"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeRows serves rows from memory, looking columns up case-insensitively.
type fakeRows struct {
	columns []string
	data    [][]any
	pos     int
	err     error
	closed  atomic.Int32
}

func newRows(columns []string, data ...[]any) *fakeRows {
	return &fakeRows{columns: columns, data: data}
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) value(column string) (any, error) {
	for i, c := range r.columns {
		if strings.EqualFold(c, column) {
			return r.data[r.pos-1][i], nil
		}
	}
	return nil, fmt.Errorf("column %q not found in result set", column)
}

func (r *fakeRows) String(column string) (string, error) {
	v, err := r.value(column)
	if err != nil || v == nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

func (r *fakeRows) Float64(column string) (float64, error) {
	v, err := r.value(column)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, db.ErrNull
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	}
	return 0, fmt.Errorf("column %q is not numeric", column)
}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Close() error {
	r.closed.Add(1)
	return nil
}

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Query(_ context.Context, text string) (db.Rows, error) {
	args := m.Called(text)
	rows, _ := args.Get(0).(db.Rows)
	return rows, args.Error(1)
}

func (m *mockConn) Close() error {
	return m.Called().Error(0)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Open(_ context.Context, url string, props map[string]string) (db.Conn, error) {
	args := m.Called(url, props)
	conn, _ := args.Get(0).(db.Conn)
	return conn, args.Error(1)
}

func mustParse(t *testing.T, doc string) *config.Config {
	t.Helper()
	configs, err := config.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, configs, 1)
	return configs[0]
}

func mustSnapshot(t *testing.T, cfg *config.Config, clock clockwork.Clock) *Snapshot {
	t.Helper()
	snap, err := NewSnapshot(cfg, clock)
	require.NoError(t, err)
	return snap
}

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func sampleValue(t *testing.T, families []MetricFamily, name, job string) float64 {
	t.Helper()
	fam, ok := Find(families, name)
	require.True(t, ok, "family %s missing", name)
	for _, s := range fam.Samples {
		for _, l := range s.Labels {
			if l.Name == JobLabel && l.Value == job {
				return s.Value
			}
		}
	}
	require.Failf(t, "sample missing", "no %s sample for job %s", name, job)
	return 0
}

const singleQueryConfig = `
jobs:
  - name: j
    connections:
      - url: u
    queries:
      - name: q1
        values: [v]
        labels: [l]
        static_labels:
          s: x
        query: SELECT 1
`

func TestRunSingleQuery(t *testing.T) {
	conn := &mockConn{}
	conn.On("Query", "SELECT 1").Return(newRows([]string{"l", "v"}, []any{"foo", 42.0}), nil).Once()
	conn.On("Close").Return(nil).Once()

	provider := &mockProvider{}
	provider.On("Open", "u", map[string]string{}).Return(conn, nil).Once()

	engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(quietLogger()))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, singleQueryConfig), nil))

	require.Len(t, families, 3)

	fam, ok := Find(families, "prefix_q1")
	require.True(t, ok)
	assert.Equal(t, "column v", fam.Help)
	require.Len(t, fam.Samples, 1)
	assert.Equal(t, []Label{{Name: "s", Value: "x"}, {Name: "l", Value: "foo"}}, fam.Samples[0].Labels)
	assert.Equal(t, 42.0, fam.Samples[0].Value)

	assert.Equal(t, 0.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	duration, ok := Find(families, "prefix_scrape_duration_seconds")
	require.True(t, ok)
	require.Len(t, duration.Samples, 1)
	assert.GreaterOrEqual(t, duration.Samples[0].Value, 0.0)

	conn.AssertExpectations(t)
	provider.AssertExpectations(t)
}

func TestRunWithSQLMock(t *testing.T) {
	mockDB, sqlMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	sqlMock.ExpectPrepare("SELECT 1").
		ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"L", "V"}).AddRow("foo", 42.0).AddRow("bar", nil))
	sqlMock.ExpectClose()

	provider := db.ProviderFunc(func(_ context.Context, url string, _ map[string]string) (db.Conn, error) {
		assert.Equal(t, "u", url)
		return db.NewConn(mockDB), nil
	})
	engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(quietLogger()))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, singleQueryConfig), nil))

	fam, ok := Find(families, "prefix_q1")
	require.True(t, ok)
	require.Len(t, fam.Samples, 1, "the row with a NULL value is dropped")
	assert.Equal(t, "foo", fam.Samples[0].Labels[1].Value)
	assert.Equal(t, 0.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRunCachesResults(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: u
    queries:
      - name: cached
        values: [v]
        query: SELECT v FROM t
        cache_seconds: 30
`
	clock := clockwork.NewFakeClock()
	conn := &mockConn{}
	conn.On("Query", "SELECT v FROM t").Return(newRows([]string{"v"}, []any{1.0}), nil).Once()
	conn.On("Query", "SELECT v FROM t").Return(newRows([]string{"v"}, []any{2.0}), nil).Once()
	conn.On("Close").Return(nil)

	provider := &mockProvider{}
	provider.On("Open", "u", mock.Anything).Return(conn, nil)

	metrics := NewMetrics("prefix")
	engine := NewEngine("prefix", provider,
		WithRenderer(render.Nop{}), WithLogger(quietLogger()), WithClock(clock), WithMetrics(metrics))
	snap := mustSnapshot(t, mustParse(t, doc), clock)

	first := engine.Run(context.Background(), snap)
	clock.Advance(29 * time.Second)
	second := engine.Run(context.Background(), snap)

	conn.AssertNumberOfCalls(t, "Query", 1)
	for _, families := range [][]MetricFamily{first, second} {
		fam, ok := Find(families, "prefix_cached")
		require.True(t, ok)
		require.Len(t, fam.Samples, 1)
		assert.Equal(t, 1.0, fam.Samples[0].Value)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheHits.WithLabelValues("j", "cached")))

	clock.Advance(time.Second)
	third := engine.Run(context.Background(), snap)
	conn.AssertNumberOfCalls(t, "Query", 2)
	fam, ok := Find(third, "prefix_cached")
	require.True(t, ok)
	assert.Equal(t, 2.0, fam.Samples[0].Value)
}

func TestRunWithoutCacheDurationAlwaysQueries(t *testing.T) {
	conn := &mockConn{}
	conn.On("Query", "SELECT 1").Return(newRows([]string{"l", "v"}, []any{"foo", 1.0}), nil).Once()
	conn.On("Query", "SELECT 1").Return(newRows([]string{"l", "v"}, []any{"foo", 1.0}), nil).Once()
	conn.On("Close").Return(nil)
	provider := &mockProvider{}
	provider.On("Open", "u", mock.Anything).Return(conn, nil)

	engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(quietLogger()))
	snap := mustSnapshot(t, mustParse(t, singleQueryConfig), nil)
	engine.Run(context.Background(), snap)
	engine.Run(context.Background(), snap)

	conn.AssertNumberOfCalls(t, "Query", 2)
}

func TestRunClosesEveryConnectionOnce(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: db1
      - url: db2
      - url: db3
    queries:
      - name: q
        values: [v]
        query: SELECT v
`
	provider := &mockProvider{}
	conns := make([]*mockConn, 3)
	for i := range conns {
		conn := &mockConn{}
		conn.On("Close").Return(nil)
		if i == 1 {
			conn.On("Query", "SELECT v").Run(func(mock.Arguments) {
				panic("driver exploded")
			})
		} else {
			conn.On("Query", "SELECT v").Return(newRows([]string{"v"}, []any{1.0}), nil)
		}
		provider.On("Open", fmt.Sprintf("db%d", i+1), mock.Anything).Return(conn, nil)
		conns[i] = conn
	}

	engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(quietLogger()))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	for _, conn := range conns {
		conn.AssertNumberOfCalls(t, "Close", 1)
	}
	assert.Equal(t, 1.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	fam, ok := Find(families, "prefix_q")
	require.True(t, ok)
	assert.Len(t, fam.Samples, 2)
}

func TestRunIsolatesConnectFailure(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: down
      - url: up
    queries:
      - name: q
        values: [v]
        query: SELECT v
`
	conn := &mockConn{}
	conn.On("Query", "SELECT v").Return(newRows([]string{"v"}, []any{5.0}), nil)
	conn.On("Close").Return(nil).Once()

	provider := &mockProvider{}
	provider.On("Open", "down", mock.Anything).Return(nil, &db.ConnectError{Err: errors.New("connection refused")})
	provider.On("Open", "up", mock.Anything).Return(conn, nil)

	metrics := NewMetrics("prefix")
	engine := NewEngine("prefix", provider,
		WithRenderer(render.Nop{}), WithLogger(quietLogger()), WithMetrics(metrics))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	fam, ok := Find(families, "prefix_q")
	require.True(t, ok)
	require.Len(t, fam.Samples, 1)
	assert.Equal(t, 5.0, fam.Samples[0].Value)
	assert.Equal(t, 1.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectErrors.WithLabelValues("j")))
	conn.AssertExpectations(t)
}

func TestRunAllQueriesFailing(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: u
    queries:
      - name: a
        values: [v]
        query: SELECT a
      - name: b
        values: [v]
        query: SELECT b
`
	conn := &mockConn{}
	conn.On("Query", mock.Anything).Return(nil, &db.QueryError{Err: errors.New("table missing")})
	conn.On("Close").Return(nil).Once()
	provider := &mockProvider{}
	provider.On("Open", "u", mock.Anything).Return(conn, nil)

	metrics := NewMetrics("prefix")
	engine := NewEngine("prefix", provider,
		WithRenderer(render.Nop{}), WithLogger(quietLogger()), WithMetrics(metrics))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	require.Len(t, families, 2)
	assert.Equal(t, 1.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	_, ok := Find(families, "prefix_scrape_duration_seconds")
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queryErrors.WithLabelValues("j", "a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queryErrors.WithLabelValues("j", "b")))
	conn.AssertExpectations(t)
}

func TestRunMissingColumns(t *testing.T) {
	t.Run("LabelColumnOnlyWarns", func(t *testing.T) {
		conn := &mockConn{}
		conn.On("Query", "SELECT 1").Return(newRows([]string{"v"}, []any{3.0}), nil)
		conn.On("Close").Return(nil)
		provider := &mockProvider{}
		provider.On("Open", "u", mock.Anything).Return(conn, nil)

		logger, hook := test.NewNullLogger()
		engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(logger))
		families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, singleQueryConfig), nil))

		fam, ok := Find(families, "prefix_q1")
		require.True(t, ok)
		require.Len(t, fam.Samples, 1)
		assert.Equal(t, Label{Name: "l", Value: ""}, fam.Samples[0].Labels[1])
		assert.Equal(t, 0.0, sampleValue(t, families, "prefix_scrape_error", "j"))

		var warned bool
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "Label l not found") {
				warned = true
			}
		}
		assert.True(t, warned)
	})

	t.Run("ValueColumnFlagsError", func(t *testing.T) {
		conn := &mockConn{}
		conn.On("Query", "SELECT 1").Return(newRows([]string{"l"}, []any{"foo"}), nil)
		conn.On("Close").Return(nil)
		provider := &mockProvider{}
		provider.On("Open", "u", mock.Anything).Return(conn, nil)

		engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(quietLogger()))
		families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, singleQueryConfig), nil))

		fam, ok := Find(families, "prefix_q1")
		require.True(t, ok)
		assert.Empty(t, fam.Samples)
		assert.Equal(t, 1.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	})
}

func TestRunRendersConnectionAndQuery(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: postgres://${env.DB_HOST}/app
        username: ${DB_USER}
        password: ${DB_PASS}
    queries:
      - name: q
        values: [v]
        query_ref: shared
queries:
  shared: SELECT v FROM ${SCHEMA}.t
`
	renderer := render.NewMapRenderer(map[string]string{
		"DB_HOST": "db", "DB_USER": "app", "DB_PASS": "secret", "SCHEMA": "metrics",
	})
	conn := &mockConn{}
	conn.On("Query", "SELECT v FROM metrics.t").Return(newRows([]string{"v"}, []any{1.0}), nil)
	conn.On("Close").Return(nil)
	provider := &mockProvider{}
	provider.On("Open", "postgres://db/app", map[string]string{
		db.PropUser: "app", db.PropPassword: "secret",
	}).Return(conn, nil)

	engine := NewEngine("prefix", provider, WithRenderer(renderer), WithLogger(quietLogger()))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	assert.Equal(t, 0.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	provider.AssertExpectations(t)
	conn.AssertExpectations(t)
}

func TestRunRenderFailureIsolated(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: ${MISSING}
    queries:
      - name: q
        values: [v]
        query: SELECT v
`
	provider := &mockProvider{}
	engine := NewEngine("prefix", provider,
		WithRenderer(render.NewMapRenderer(nil)), WithLogger(quietLogger()))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	require.Len(t, families, 2)
	assert.Equal(t, 1.0, sampleValue(t, families, "prefix_scrape_error", "j"))
	provider.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestRunMultipleJobs(t *testing.T) {
	const doc = `
jobs:
  - name: first
    connections:
      - url: u1
    queries:
      - name: q
        values: [v]
        static_labels: {db: one}
        query: SELECT v
  - name: second
    connections:
      - url: u2
    queries:
      - name: q
        values: [v]
        static_labels: {db: two}
        query: SELECT v
`
	provider := &mockProvider{}
	for _, url := range []string{"u1", "u2"} {
		conn := &mockConn{}
		conn.On("Query", "SELECT v").Return(newRows([]string{"v"}, []any{1.0}), nil)
		conn.On("Close").Return(nil)
		provider.On("Open", url, mock.Anything).Return(conn, nil)
	}

	engine := NewEngine("prefix", provider, WithRenderer(render.Nop{}), WithLogger(quietLogger()))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	require.Len(t, families, 3)
	fam, _ := Find(families, "prefix_q")
	assert.Len(t, fam.Samples, 2)
	meta, _ := Find(families, "prefix_scrape_error")
	assert.Len(t, meta.Samples, 2)
	assert.Equal(t, 0.0, sampleValue(t, families, "prefix_scrape_error", "first"))
	assert.Equal(t, 0.0, sampleValue(t, families, "prefix_scrape_error", "second"))
}

// gaugeProvider records the highest number of simultaneously open connections.
type gaugeProvider struct {
	mu      sync.Mutex
	open    int
	maxOpen int
}

type gaugeConn struct {
	p *gaugeProvider
}

func (p *gaugeProvider) Open(context.Context, string, map[string]string) (db.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open++
	if p.open > p.maxOpen {
		p.maxOpen = p.open
	}
	return &gaugeConn{p: p}, nil
}

func (c *gaugeConn) Query(context.Context, string) (db.Rows, error) {
	time.Sleep(5 * time.Millisecond)
	return newRows([]string{"v"}, []any{1.0}), nil
}

func (c *gaugeConn) Close() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.open--
	return nil
}

func TestRunMaxConnections(t *testing.T) {
	const doc = `
jobs:
  - name: j
    connections:
      - url: a
      - url: b
      - url: c
      - url: d
    queries:
      - name: q
        values: [v]
        query: SELECT v
`
	provider := &gaugeProvider{}
	engine := NewEngine("prefix", provider,
		WithRenderer(render.Nop{}), WithLogger(quietLogger()), WithMaxConnections(1))
	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, doc), nil))

	assert.Equal(t, 1, provider.maxOpen)
	assert.Equal(t, 0, provider.open)
	fam, _ := Find(families, "prefix_q")
	assert.Len(t, fam.Samples, 4)
}

type blockingConn struct{}

func (blockingConn) Query(ctx context.Context, _ string) (db.Rows, error) {
	<-ctx.Done()
	return nil, &db.QueryError{Err: ctx.Err()}
}

func (blockingConn) Close() error { return nil }

func TestRunQueryTimeout(t *testing.T) {
	provider := db.ProviderFunc(func(context.Context, string, map[string]string) (db.Conn, error) {
		return blockingConn{}, nil
	})
	engine := NewEngine("prefix", provider,
		WithRenderer(render.Nop{}), WithLogger(quietLogger()), WithQueryTimeout(10*time.Millisecond))

	families := engine.Run(context.Background(), mustSnapshot(t, mustParse(t, singleQueryConfig), nil))

	_, ok := Find(families, "prefix_q1")
	assert.False(t, ok)
	assert.Equal(t, 1.0, sampleValue(t, families, "prefix_scrape_error", "j"))
}

func TestRunNilSnapshotPanics(t *testing.T) {
	engine := NewEngine("prefix", &mockProvider{})
	assert.Panics(t, func() { engine.Run(context.Background(), nil) })
}

func TestNewSnapshotRequiresConfig(t *testing.T) {
	_, err := NewSnapshot(nil, nil)
	assert.Error(t, err)
}
