package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/hub"
	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
	"github.com/codeGROOVE-dev/bountyhook/pkg/security"
	"github.com/codeGROOVE-dev/bountyhook/pkg/store"
	"github.com/codeGROOVE-dev/bountyhook/pkg/webhook"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var (
	addr           = flag.String("addr", ":8080", "HTTP service address")
	databaseURL    = flag.String("database-url", os.Getenv("DATABASE_URL"), "Database URL (postgres://... or sqlite://path)")
	webhookSecret  = flag.String("webhook-secret", os.Getenv("GITHUB_WEBHOOK_SECRET"), "GitHub webhook secret; empty disables signature verification")
	bountyLabel    = flag.String("bounty-label", envOr("BOUNTY_LABEL", bounty.DefaultLabel), "Label that marks an issue as a bounty")
	allowedEvents  = flag.String("allowed-events", "", "Comma-separated event types to process; empty processes all")
	githubIPsOnly  = flag.Bool("github-ips-only", false, "Reject webhook deliveries from outside GitHub's hook ranges")
	rateLimit      = flag.Int("rate-limit", 100, "Maximum requests per minute per IP")
	maxConnsPerIP  = flag.Int("max-conns-per-ip", 10, "Maximum WebSocket connections per IP")
	maxConnsTotal  = flag.Int("max-conns-total", 1000, "Maximum total WebSocket connections")
	dbMaxOpenConns = flag.Int("db-max-open-conns", 10, "Maximum open database connections")
	logQueries     = flag.Bool("log-queries", false, "Log every SQL query to stderr")
	migrate        = flag.Bool("migrate", false, "Create the Project and Issue tables if missing")
	letsencrypt    = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	leDomains      = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	leCacheDir     = flag.String("le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	leEmail        = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
	logLevel       = flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		logger.Error(context.Background(), "server failed", err, nil)
		os.Exit(1)
	}
}

func run() error {
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger.SetLogger(logger.NewWithLevel(os.Stderr, level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *databaseURL == "" {
		return errors.New("database URL required: set -database-url or DATABASE_URL")
	}
	if *webhookSecret == "" {
		logger.Warn(ctx, "no webhook secret configured; signatures will not be verified", nil)
	}

	dbCfg := store.Config{DSN: *databaseURL, MaxOpenConns: *dbMaxOpenConns}
	if *logQueries {
		dbCfg.QueryLog = os.Stderr
	}
	db, err := store.Open(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error(ctx, "failed to close database", err, nil)
		}
	}()
	if *migrate {
		if err := db.CreateSchema(ctx); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		logger.Info(ctx, "schema ready", logger.Fields{"dialect": db.Dialect()})
	}

	h := hub.NewHub()
	go h.Run(ctx)

	proc := bounty.New(db, bounty.WithLabel(*bountyLabel), bounty.WithPublisher(h))

	ipValidator, err := security.NewGitHubIPValidator(*githubIPsOnly)
	if err != nil {
		return fmt.Errorf("github ip validator: %w", err)
	}

	rateLimiter := security.NewRateLimiter(*rateLimit, time.Minute)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(*maxConnsPerIP, *maxConnsTotal)
	defer connLimiter.Stop()

	mux := routes(proc, h, connLimiter,
		webhook.WithSecret(*webhookSecret),
		webhook.WithAllowedEvents(splitList(*allowedEvents)),
		webhook.WithIPValidator(ipValidator),
	)

	server := &http.Server{
		Addr:              *addr,
		Handler:           security.CombinedMiddleware(rateLimiter)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, server)
	}()

	select {
	case err := <-errCh:
		h.Stop()
		h.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down server", nil)
	h.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server shutdown error", err, nil)
	}
	h.Wait()
	logger.Info(shutdownCtx, "server stopped", nil)
	return nil
}

// routes registers the webhook, hello and feed endpoints. The webhook route
// accepts every method so non-POST requests get a JSON 405.
func routes(proc webhook.Processor, h *hub.Hub, cl *security.ConnectionLimiter, opts ...webhook.Option) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /test", webhook.HelloHandler)
	mux.Handle("GET /ws", hub.NewWebSocketHandler(h, cl).Handler())
	mux.Handle("/{webhook}", webhook.NewHandler(proc, opts...))
	return mux
}

func serve(ctx context.Context, server *http.Server) error {
	var err error
	if *letsencrypt {
		err = serveLetsEncrypt(ctx, server)
	} else {
		logger.Warn(ctx, "TLS not enabled; use -letsencrypt in production", nil)
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": server.Addr})
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func serveLetsEncrypt(ctx context.Context, server *http.Server) error {
	domains := splitList(*leDomains)
	if len(domains) == 0 {
		return errors.New("let's encrypt requires -le-domains")
	}
	if err := os.MkdirAll(*leCacheDir, 0o700); err != nil {
		return fmt.Errorf("create let's encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(*leCacheDir),
		Email:      *leEmail,
	}

	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	go func() {
		acme := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		logger.Info(ctx, "starting ACME challenge server", logger.Fields{"addr": acme.Addr})
		if err := acme.ListenAndServe(); err != nil {
			logger.Error(ctx, "ACME challenge server error; certificate renewal may fail", err, nil)
		}
	}()

	logger.Info(ctx, "starting HTTPS server", logger.Fields{"addr": server.Addr, "domains": domains})
	return server.ListenAndServeTLS("", "")
}
