package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/barryq93/promsql/internal/app"
	"github.com/barryq93/promsql/internal/scrape"
	"github.com/barryq93/promsql/internal/server"
	"github.com/barryq93/promsql/internal/utils"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func main() {
	cli := kingpin.New("promsql", "Exports the results of SQL queries as Prometheus metrics.")
	cli.HelpFlag.Short('h')

	logLevel := cli.Flag("log.level", "Log level: debug, info, warn or error.").Envar("LOG_LEVEL").Default("info").String()
	logFormat := cli.Flag("log.format", "Log format: json or text.").Envar("LOG_FORMAT").Default("json").String()

	serve := cli.Command("serve", "Serve metrics over HTTP.").Default()
	address := serve.Arg("address", "[hostname:]port to listen on.").Required().String()
	configSource := serve.Arg("config", "Configuration file or directory.").Required().String()
	prefix := serve.Flag("metric-prefix", "Prefix of every exported metric name.").Envar("METRIC_PREFIX").Default("jdbc").String()
	rateLimit := serve.Flag("web.rate-limit", "Requests per second allowed on /metrics, 0 disables the limit.").Default("0").Float64()
	rateBurst := serve.Flag("web.rate-burst", "Burst size of the /metrics rate limit.").Default("5").Int64()
	authUser := serve.Flag("web.basic-auth-username", "Username required on /metrics.").Envar("BASIC_AUTH_USERNAME").String()
	authPass := serve.Flag("web.basic-auth-password", "Password required on /metrics.").Envar("BASIC_AUTH_PASSWORD").String()
	certFile := serve.Flag("web.tls-cert-file", "Server certificate, enables HTTPS.").String()
	keyFile := serve.Flag("web.tls-key-file", "Server private key.").String()
	clientCA := serve.Flag("web.tls-client-ca-file", "CA bundle for client certificates, enables mutual TLS.").String()
	shutdownTimeout := serve.Flag("web.shutdown-timeout", "Time allowed for in-flight requests on shutdown.").Default("30s").Duration()
	maxConns := serve.Flag("scrape.max-connections", "Maximum simultaneously open database connections, 0 for no limit.").Default("0").Int64()
	queryTimeout := serve.Flag("scrape.query-timeout", "Per query timeout, 0 for none.").Default("0s").Duration()
	maxOpenConns := serve.Flag("scrape.max-open-conns", "Maximum driver connections per configured connection, 0 for no limit.").Default("0").Int()
	connLifetime := serve.Flag("scrape.conn-max-lifetime", "Maximum reuse time of a pooled driver connection.").Default("0s").Duration()
	encryptionKey := serve.Flag("config.encryption-key", "AES key for ENC(...) values in the configuration.").Envar("PROMSQL_ENCRYPTION_KEY").String()
	watch := serve.Flag("config.watch", "Reload the configuration on file system events.").Default("true").Bool()
	dryRun := serve.Flag("dry-run", "Scrape once, print the metrics and exit.").Bool()

	encrypt := cli.Command("encrypt", "Encrypt a value for use as ENC(...) in the configuration.")
	encryptKey := encrypt.Flag("key", "AES key of 16, 24 or 32 bytes.").Envar("PROMSQL_ENCRYPTION_KEY").Required().String()
	encryptText := encrypt.Arg("text", "Value to encrypt.").Required().String()

	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	if err := utils.ConfigureLogger(logger, *logLevel, *logFormat); err != nil {
		kingpin.Fatalf("%v", err)
	}

	if command == encrypt.FullCommand() {
		sealed, err := utils.Encrypt([]byte(*encryptKey), *encryptText)
		if err != nil {
			kingpin.Fatalf("encryption failed: %v", err)
		}
		fmt.Printf("ENC(%s)\n", sealed)
		return
	}

	application, err := app.NewApplication(app.Options{
		ConfigSource: *configSource,
		MetricPrefix: *prefix,
		Server: server.Config{
			Addr:              listenAddress(*address),
			RateLimitRequests: *rateLimit,
			RateLimitBurst:    *rateBurst,
			BasicAuthUsername: *authUser,
			BasicAuthPassword: *authPass,
			CertFile:          *certFile,
			KeyFile:           *keyFile,
			ClientCAFile:      *clientCA,
			ShutdownTimeout:   *shutdownTimeout,
		},
		MaxConnections:  *maxConns,
		QueryTimeout:    *queryTimeout,
		MaxOpenConns:    *maxOpenConns,
		ConnMaxLifetime: *connLifetime,
		EncryptionKey:   *encryptionKey,
		Watch:           *watch,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize application: %v", err)
	}

	if *dryRun {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := printFamilies(application.DryRun(ctx)); err != nil {
			logger.Fatalf("Failed to write metrics: %v", err)
		}
		return
	}

	errc := make(chan error, 1)
	go func() { errc <- application.Run() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case err := <-errc:
		if err != nil {
			logger.Errorf("HTTP server failed: %v", err)
		}
	}
	application.Shutdown()
	logger.Info("Application shutdown complete")
}

// listenAddress accepts a bare port as well as host:port.
func listenAddress(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

func printFamilies(families []scrape.MetricFamily) error {
	enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		if len(f.Samples) == 0 {
			continue
		}
		if err := enc.Encode(f.ToDTO()); err != nil {
			return err
		}
	}
	return nil
}
