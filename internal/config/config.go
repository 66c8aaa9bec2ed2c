// Package config holds the immutable configuration model of the exporter:
// jobs, their connections and queries, and the shared query table.
//
// Values are created through builders that copy their inputs, so a built
// Config can be shared by concurrent scrapes without synchronization.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/common/model"
)

// Label is a static label attached to every sample of a query.
type Label struct {
	Name  string
	Value string
}

// ConnectionDef describes how to reach one database. All fields are
// templates rendered right before connecting.
type ConnectionDef struct {
	url             string
	username        string
	password        string
	driverClassName string
}

func (c *ConnectionDef) URL() string             { return c.url }
func (c *ConnectionDef) Username() string        { return c.username }
func (c *ConnectionDef) Password() string        { return c.password }
func (c *ConnectionDef) DriverClassName() string { return c.driverClassName }

// String renders the connection with the password masked.
func (c *ConnectionDef) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ConnectionDef{url=%s", redactURL(c.url))
	if c.username != "" {
		fmt.Fprintf(&b, ", username=%s", c.username)
	}
	if c.password != "" {
		b.WriteString(", password=***")
	}
	if c.driverClassName != "" {
		fmt.Fprintf(&b, ", driverClassName=%s", c.driverClassName)
	}
	b.WriteString("}")
	return b.String()
}

// redactURL masks a password embedded in the userinfo of u.
func redactURL(u string) string {
	rest := strings.TrimPrefix(u, "jdbc:")
	parsed, err := url.Parse(rest)
	if err != nil || parsed.User == nil {
		return u
	}
	return u[:len(u)-len(rest)] + parsed.Redacted()
}

// ConnectionDefBuilder builds a ConnectionDef.
type ConnectionDefBuilder struct {
	URL             string
	Username        string
	Password        string
	DriverClassName string
}

func (b ConnectionDefBuilder) Build() (*ConnectionDef, error) {
	if strings.TrimSpace(b.URL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	return &ConnectionDef{
		url:             b.URL,
		username:        b.Username,
		password:        b.Password,
		driverClassName: b.DriverClassName,
	}, nil
}

// QueryDef is one metric producing query.
type QueryDef struct {
	name          string
	help          string
	staticLabels  []Label
	labels        []string
	values        []string
	query         QueryString
	cacheDuration time.Duration
}

func (q *QueryDef) Name() string { return q.name }

// Help returns the declared help text, or one naming the value column.
func (q *QueryDef) Help() string {
	if q.help != "" {
		return q.help
	}
	return "column " + q.values[0]
}

func (q *QueryDef) StaticLabels() []Label { return append([]Label(nil), q.staticLabels...) }
func (q *QueryDef) Labels() []string      { return append([]string(nil), q.labels...) }

// ValueColumn is the column read as the sample value. Further declared value
// columns are accepted but not turned into samples.
func (q *QueryDef) ValueColumn() string { return q.values[0] }

func (q *QueryDef) Query() QueryString { return q.query }

// CacheDuration is zero when results are not cached.
func (q *QueryDef) CacheDuration() time.Duration { return q.cacheDuration }

// QueryDefBuilder builds a QueryDef.
type QueryDefBuilder struct {
	Name          string
	Help          string
	StaticLabels  []Label
	Labels        []string
	Values        []string
	Query         QueryString
	CacheDuration time.Duration
}

func (b QueryDefBuilder) Build() (*QueryDef, error) {
	var errs *multierror.Error
	if b.Name == "" {
		errs = multierror.Append(errs, fmt.Errorf("name is required"))
	} else if !model.IsValidLegacyMetricName("m_" + b.Name) {
		errs = multierror.Append(errs, fmt.Errorf("name %q is not a valid metric name suffix", b.Name))
	}
	if len(b.Values) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no values provided"))
	}
	switch q := b.Query.(type) {
	case nil:
		errs = multierror.Append(errs, fmt.Errorf("either query or query_ref must be set"))
	case PlainQuery:
		if strings.TrimSpace(string(q)) == "" {
			errs = multierror.Append(errs, fmt.Errorf("query must not be empty"))
		}
	case QueryRef:
		if q == "" {
			errs = multierror.Append(errs, fmt.Errorf("query_ref must not be empty"))
		}
	}
	if b.CacheDuration < 0 {
		errs = multierror.Append(errs, fmt.Errorf("cache duration must be positive: %s", b.CacheDuration))
	}

	seen := make(map[string]struct{}, len(b.StaticLabels)+len(b.Labels))
	checkLabel := func(kind, name string) {
		if !model.LabelName(name).IsValidLegacy() {
			errs = multierror.Append(errs, fmt.Errorf("%s %q is not a valid label name", kind, name))
			return
		}
		if _, ok := seen[name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("label %q is declared more than once", name))
			return
		}
		seen[name] = struct{}{}
	}
	for _, l := range b.StaticLabels {
		checkLabel("static label", l.Name)
	}
	for _, l := range b.Labels {
		checkLabel("label", l)
	}
	if err := listErrors(errs); err != nil {
		return nil, err
	}

	return &QueryDef{
		name:          b.Name,
		help:          b.Help,
		staticLabels:  append([]Label(nil), b.StaticLabels...),
		labels:        append([]string(nil), b.Labels...),
		values:        append([]string(nil), b.Values...),
		query:         b.Query,
		cacheDuration: b.CacheDuration,
	}, nil
}

// Job bundles connections and the queries run on each of them.
type Job struct {
	name        string
	connections []*ConnectionDef
	queries     []*QueryDef
}

func (j *Job) Name() string                  { return j.name }
func (j *Job) Connections() []*ConnectionDef { return append([]*ConnectionDef(nil), j.connections...) }
func (j *Job) Queries() []*QueryDef          { return append([]*QueryDef(nil), j.queries...) }

// JobBuilder builds a Job.
type JobBuilder struct {
	Name        string
	Connections []*ConnectionDef
	Queries     []*QueryDef
}

func (b JobBuilder) Build() (*Job, error) {
	var errs *multierror.Error
	if b.Name == "" {
		errs = multierror.Append(errs, fmt.Errorf("name is required"))
	}
	if len(b.Connections) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no connections provided"))
	}
	if len(b.Queries) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no queries provided"))
	}
	if err := listErrors(errs); err != nil {
		return nil, err
	}
	return &Job{
		name:        b.Name,
		connections: append([]*ConnectionDef(nil), b.Connections...),
		queries:     append([]*QueryDef(nil), b.Queries...),
	}, nil
}

// Config is one complete, validated configuration document.
type Config struct {
	jobs    []*Job
	queries map[string]string
}

func (c *Config) Jobs() []*Job { return append([]*Job(nil), c.jobs...) }

// LookupQuery returns the shared query registered under name.
func (c *Config) LookupQuery(name string) (string, bool) {
	text, ok := c.queries[name]
	return text, ok
}

// ResolveQuery returns the SQL text of q. Refs are guaranteed to exist by
// Build, so an error here means q does not belong to c.
func (c *Config) ResolveQuery(q *QueryDef) (string, error) {
	return q.query.Resolve(c.LookupQuery)
}

// ConfigBuilder builds a Config.
type ConfigBuilder struct {
	Jobs    []*Job
	Queries map[string]string
}

// Build checks that there is at least one job and that every query_ref names
// an entry of the query table. All unresolved refs are reported together.
func (b ConfigBuilder) Build() (*Config, error) {
	if len(b.Jobs) == 0 {
		return nil, fmt.Errorf("no jobs provided")
	}
	queries := make(map[string]string, len(b.Queries))
	for k, v := range b.Queries {
		queries[k] = v
	}
	if err := checkQueryRefs(b.Jobs, queries); err != nil {
		return nil, err
	}
	return &Config{
		jobs:    append([]*Job(nil), b.Jobs...),
		queries: queries,
	}, nil
}

func checkQueryRefs(jobs []*Job, queries map[string]string) error {
	var invalid []string
	seen := make(map[string]struct{})
	for _, job := range jobs {
		for _, q := range job.queries {
			ref, ok := q.query.(QueryRef)
			if !ok {
				continue
			}
			if _, ok := queries[string(ref)]; ok {
				continue
			}
			if _, dup := seen[string(ref)]; dup {
				continue
			}
			seen[string(ref)] = struct{}{}
			invalid = append(invalid, string(ref))
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	sort.Strings(invalid)
	return fmt.Errorf("invalid query refs: %s", strings.Join(invalid, ", "))
}

func listErrors(errs *multierror.Error) error {
	if errs == nil {
		return nil
	}
	errs.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, e := range es {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return errs.ErrorOrNil()
}
