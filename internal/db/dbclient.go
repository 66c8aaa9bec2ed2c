// Package db opens database connections for scrapes and exposes the small
// row cursor contract the scrape engine reads samples through.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Well known connection properties.
const (
	PropUser     = "user"
	PropPassword = "password"
	PropDriver   = "driver"
)

// Provider opens connections from a URL and a property bag.
type Provider interface {
	Open(ctx context.Context, url string, props map[string]string) (Conn, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, url string, props map[string]string) (Conn, error)

func (f ProviderFunc) Open(ctx context.Context, url string, props map[string]string) (Conn, error) {
	return f(ctx, url, props)
}

// Conn is an open connection owned by a single job run.
type Conn interface {
	// Query prepares and executes text and returns a cursor over its rows.
	Query(ctx context.Context, text string) (Rows, error)
	// Close releases the connection. Calling it more than once is safe.
	Close() error
}

// Rows is a forward only cursor with access to the current row by column name.
type Rows interface {
	Next() bool
	String(column string) (string, error)
	Float64(column string) (float64, error)
	Err() error
	// Close releases the cursor and its statement. Calling it more than once is safe.
	Close() error
}

// ErrNull is returned when a numeric column holds SQL NULL.
var ErrNull = errors.New("value is NULL")

// ConnectError reports a connection that could not be opened.
type ConnectError struct {
	Driver string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Driver == "" {
		return fmt.Sprintf("connecting to database: %v", e.Err)
	}
	return fmt.Sprintf("connecting to %s database: %v", e.Driver, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// QueryError reports a statement that failed to prepare, execute or iterate.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("executing query: %v", e.Err) }

func (e *QueryError) Unwrap() error { return e.Err }

// SQLProvider opens connections through database/sql. Drivers must be
// registered by importing them, usually in the main package.
type SQLProvider struct {
	// MaxOpenConns caps the pool behind one Conn. Zero means no limit.
	MaxOpenConns int
	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration
}

func (p *SQLProvider) Open(ctx context.Context, url string, props map[string]string) (Conn, error) {
	driver, dsn, err := ResolveDSN(url, props)
	if err != nil {
		return nil, &ConnectError{Driver: driver, Err: err}
	}
	if !driverRegistered(driver) {
		return nil, &ConnectError{Driver: driver, Err: fmt.Errorf("driver %q is not registered", driver)}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &ConnectError{Driver: driver, Err: err}
	}
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectError{Driver: driver, Err: err}
	}
	return NewConn(db), nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// NewConn wraps an open *sql.DB. Closing the Conn closes db.
func NewConn(db *sql.DB) Conn {
	return &sqlConn{db: db}
}

type sqlConn struct {
	db       *sql.DB
	once     sync.Once
	closeErr error
}

func (c *sqlConn) Query(ctx context.Context, text string) (Rows, error) {
	stmt, err := c.db.PrepareContext(ctx, text)
	if err != nil {
		return nil, &QueryError{Err: fmt.Errorf("preparing statement: %w", err)}
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		stmt.Close()
		return nil, &QueryError{Err: err}
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		stmt.Close()
		return nil, &QueryError{Err: fmt.Errorf("reading columns: %w", err)}
	}
	return &sqlRows{stmt: stmt, rows: rows, columns: columns}, nil
}

func (c *sqlConn) Close() error {
	c.once.Do(func() { c.closeErr = c.db.Close() })
	return c.closeErr
}

type sqlRows struct {
	stmt    *sql.Stmt
	rows    *sql.Rows
	columns []string
	current []any
	scanErr error

	once     sync.Once
	closeErr error
}

func (r *sqlRows) Next() bool {
	if r.scanErr != nil || !r.rows.Next() {
		return false
	}
	values := make([]any, len(r.columns))
	dest := make([]any, len(r.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := r.rows.Scan(dest...); err != nil {
		r.scanErr = fmt.Errorf("scanning row: %w", err)
		return false
	}
	r.current = values
	return true
}

// index finds column by exact name first, then case-insensitively, since
// drivers differ in how they fold unquoted identifiers.
func (r *sqlRows) index(column string) (int, error) {
	for i, c := range r.columns {
		if c == column {
			return i, nil
		}
	}
	for i, c := range r.columns {
		if strings.EqualFold(c, column) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found in result set", column)
}

func (r *sqlRows) value(column string) (any, error) {
	if r.current == nil {
		return nil, fmt.Errorf("no current row")
	}
	i, err := r.index(column)
	if err != nil {
		return nil, err
	}
	return r.current[i], nil
}

func (r *sqlRows) String(column string) (string, error) {
	v, err := r.value(column)
	if err != nil || v == nil {
		return "", err
	}
	switch t := v.(type) {
	case []byte:
		return string(t), nil
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("column %q: %w", column, err)
	}
	return s, nil
}

func (r *sqlRows) Float64(column string) (float64, error) {
	v, err := r.value(column)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("column %q: %w", column, ErrNull)
	case []byte:
		v = strings.TrimSpace(string(t))
	case string:
		v = strings.TrimSpace(t)
	case time.Time:
		return float64(t.UnixNano()) / 1e9, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("column %q: %w", column, err)
	}
	return f, nil
}

func (r *sqlRows) Err() error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return r.rows.Err()
}

func (r *sqlRows) Close() error {
	r.once.Do(func() {
		r.closeErr = errors.Join(r.rows.Close(), r.stmt.Close())
	})
	return r.closeErr
}
