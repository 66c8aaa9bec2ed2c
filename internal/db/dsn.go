package db

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-logfmt/logfmt"
	"github.com/go-sql-driver/mysql"
)

// Go driver names for the databases the exporter knows how to address.
const (
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
	DriverOracle    = "godror"
	DriverDB2       = "go_ibm_db"
)

// driverAliases maps URL schemes, common names and JDBC driver classes to Go
// driver names.
var driverAliases = map[string]string{
	"postgres":              DriverPostgres,
	"postgresql":            DriverPostgres,
	"org.postgresql.Driver": DriverPostgres,

	"mysql":                    DriverMySQL,
	"mariadb":                  DriverMySQL,
	"com.mysql.jdbc.Driver":    DriverMySQL,
	"com.mysql.cj.jdbc.Driver": DriverMySQL,
	"org.mariadb.jdbc.Driver":  DriverMySQL,

	"sqlserver": DriverSQLServer,
	"mssql":     DriverSQLServer,
	"com.microsoft.sqlserver.jdbc.SQLServerDriver": DriverSQLServer,

	"oracle":                          DriverOracle,
	"godror":                          DriverOracle,
	"oracle.jdbc.OracleDriver":        DriverOracle,
	"oracle.jdbc.driver.OracleDriver": DriverOracle,

	"db2":                       DriverDB2,
	"go_ibm_db":                 DriverDB2,
	"com.ibm.db2.jcc.DB2Driver": DriverDB2,
}

// DriverName maps an alias or JDBC driver class to a Go driver name. Unknown
// names are returned unchanged.
func DriverName(name string) string {
	if d, ok := driverAliases[name]; ok {
		return d
	}
	return name
}

// ResolveDSN picks the driver for rawURL and turns it into that driver's DSN,
// adding the user and password properties. A "jdbc:" prefix is accepted. The
// driver property, when set, wins over the URL scheme.
func ResolveDSN(rawURL string, props map[string]string) (driver, dsn string, err error) {
	u := strings.TrimPrefix(rawURL, "jdbc:")
	if name := props[PropDriver]; name != "" {
		driver = DriverName(name)
	} else {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return "", "", fmt.Errorf("cannot determine driver for url without scheme")
		}
		d, known := driverAliases[strings.ToLower(scheme)]
		if !known {
			return "", "", fmt.Errorf("no driver known for scheme %q", scheme)
		}
		driver = d
	}

	user, password := props[PropUser], props[PropPassword]
	switch driver {
	case DriverPostgres:
		dsn, err = postgresDSN(u, user, password)
	case DriverMySQL:
		dsn, err = mysqlDSN(u, user, password)
	case DriverSQLServer:
		dsn, err = withURLCredentials(u, user, password)
	case DriverOracle:
		dsn, err = oracleDSN(u, user, password)
	case DriverDB2:
		dsn, err = db2DSN(u, user, password)
	default:
		dsn = u
	}
	if err != nil {
		return driver, "", err
	}
	return driver, dsn, nil
}

func withURLCredentials(u, user, password string) (string, error) {
	if user == "" && password == "" {
		return u, nil
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", redactURLError(err))
	}
	if parsed.User != nil {
		if user == "" {
			user = parsed.User.Username()
		}
		if password == "" {
			password, _ = parsed.User.Password()
		}
	}
	if password == "" {
		parsed.User = url.User(user)
	} else {
		parsed.User = url.UserPassword(user, password)
	}
	return parsed.String(), nil
}

// redactURLError drops the URL from a parse error since it may hold a password.
func redactURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}

func postgresDSN(u, user, password string) (string, error) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return withURLCredentials(u, user, password)
	}
	var b strings.Builder
	b.WriteString(u)
	if user != "" {
		fmt.Fprintf(&b, " user=%s", pqQuote(user))
	}
	if password != "" {
		fmt.Fprintf(&b, " password=%s", pqQuote(password))
	}
	return strings.TrimSpace(b.String()), nil
}

func pqQuote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

func mysqlDSN(u, user, password string) (string, error) {
	var cfg *mysql.Config
	if strings.HasPrefix(u, "mysql://") || strings.HasPrefix(u, "mariadb://") {
		parsed, err := url.Parse(u)
		if err != nil {
			return "", fmt.Errorf("parsing url: %w", redactURLError(err))
		}
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = parsed.Host
		cfg.DBName = strings.TrimPrefix(parsed.Path, "/")
		if parsed.User != nil {
			cfg.User = parsed.User.Username()
			cfg.Passwd, _ = parsed.User.Password()
		}
		if q := parsed.Query(); len(q) > 0 {
			cfg.Params = make(map[string]string, len(q))
			for k := range q {
				cfg.Params[k] = q.Get(k)
			}
		}
	} else {
		var err error
		if cfg, err = mysql.ParseDSN(u); err != nil {
			return "", err
		}
	}
	if user != "" {
		cfg.User = user
	}
	if password != "" {
		cfg.Passwd = password
	}
	return cfg.FormatDSN(), nil
}

// oracleDSN accepts oracle:// URLs, godror logfmt connect strings and JDBC
// thin descriptors such as "oracle:thin:@//host:1521/service".
func oracleDSN(u, user, password string) (string, error) {
	if strings.HasPrefix(u, "oracle://") {
		return withURLCredentials(u, user, password)
	}
	var connectString string
	if !strings.Contains(u, "connectString=") {
		connectString = strings.TrimPrefix(u, "oracle:")
		connectString = strings.TrimPrefix(connectString, "thin:")
		connectString = strings.TrimPrefix(connectString, "@")
		connectString = strings.TrimPrefix(connectString, "//")
		u = ""
	}

	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)
	var kv []any
	if user != "" {
		kv = append(kv, "user", user)
	}
	if password != "" {
		kv = append(kv, "password", password)
	}
	if connectString != "" {
		kv = append(kv, "connectString", connectString)
	}
	if err := enc.EncodeKeyvals(kv...); err != nil {
		return "", fmt.Errorf("encoding connect string: %w", err)
	}
	return strings.TrimSpace(u + " " + buf.String()), nil
}

func db2DSN(u, user, password string) (string, error) {
	dsn := u
	if strings.HasPrefix(u, "db2://") {
		parsed, err := url.Parse(u)
		if err != nil {
			return "", fmt.Errorf("parsing url: %w", redactURLError(err))
		}
		port := parsed.Port()
		if port == "" {
			port = "50000"
		}
		dsn = fmt.Sprintf("HOSTNAME=%s;PORT=%s;DATABASE=%s;PROTOCOL=TCPIP",
			parsed.Hostname(), port, strings.TrimPrefix(parsed.Path, "/"))
		if parsed.User != nil && user == "" {
			user = parsed.User.Username()
			if p, ok := parsed.User.Password(); ok && password == "" {
				password = p
			}
		}
	}
	dsn = strings.TrimSuffix(dsn, ";")
	if user != "" {
		dsn += ";UID=" + user
	}
	if password != "" {
		dsn += ";PWD=" + password
	}
	return dsn, nil
}
