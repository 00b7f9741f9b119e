// Package main is the entry point for the bulk mail server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/bulkmail/internal/attachment"
	"github.com/shineum/bulkmail/internal/config"
	"github.com/shineum/bulkmail/internal/dispatch"
	"github.com/shineum/bulkmail/internal/gate"
	"github.com/shineum/bulkmail/internal/httpapi"
	"github.com/shineum/bulkmail/internal/metrics"
	"github.com/shineum/bulkmail/internal/request"
	bulktls "github.com/shineum/bulkmail/internal/tls"
	"github.com/shineum/bulkmail/internal/transport"
	"github.com/shineum/bulkmail/internal/transport/graph"
	"github.com/shineum/bulkmail/internal/transport/ses"
	"github.com/shineum/bulkmail/internal/transport/smtp"
	"github.com/shineum/bulkmail/internal/transport/stdout"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Select email delivery transport
	tr, err := selectTransport(cfg)
	if err != nil {
		slog.Error("failed to create transport", "transport", cfg.Transport.Kind, "error", err)
		os.Exit(1)
	}

	d := dispatch.New(dispatch.Config{
		MaxConcurrentSends: cfg.Dispatch.MaxConcurrentSends,
		MaxRetries:         cfg.Dispatch.MaxRetries,
		BaseBackoff:        cfg.Dispatch.BaseBackoff,
		MaxBackoff:         cfg.Dispatch.MaxBackoff,
		AttemptTimeout:     cfg.Dispatch.AttemptTimeout,
		BatchTimeout:       cfg.Dispatch.BatchTimeout,
	}, tr)
	d.OnAttempt = func(o dispatch.Outcome) {
		metrics.RecordAttempt(tr.Name(), o)
	}
	d.OnCredentialTripped = func(user string) {
		metrics.CredentialsTripped.Inc()
		slog.Warn("credential marked unusable", "user", user)
	}

	host, port := cfg.CredentialDefaults()
	v := request.NewValidator(request.Options{
		DefaultHost: host,
		DefaultPort: port,
		Dedup:       cfg.Dispatch.DedupRecipients,
	})

	server := httpapi.New(httpapi.Config{
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		DefaultCredentials: cfg.Credentials,
		LoginPerMinute:     cfg.Gate.LoginPerMinute,
	},
		v,
		attachment.New(cfg.Dispatch.MaxAttachmentBytes),
		d,
		gate.NewAuthenticator(cfg.Gate.Username, cfg.Gate.Password),
	)
	defer server.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsMode := "disabled"
	if cfg.TLS.Enabled {
		// Load or generate TLS certificates
		tlsConfig, err := bulktls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, bulktls.ListenHost(cfg.HTTP.Listen))
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsConfig
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			tlsMode = "file"
		}
	}

	slog.Info("starting bulkmail",
		"listen", cfg.HTTP.Listen,
		"transport", tr.Name(),
		"gate_enabled", cfg.GateEnabled(),
		"tls_mode", tlsMode,
		"credentials", len(cfg.Credentials),
	)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("received signal, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// In-flight batches finish their current attempts before the
		// request contexts are cancelled.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}

	slog.Info("bulkmail stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectTransport chooses the email delivery backend based on configuration.
func selectTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "smtp":
		slog.Info("using SMTP transport",
			"default_host", cfg.Transport.DefaultHost,
			"default_port", cfg.Transport.DefaultPort,
		)
		return smtp.New(smtp.Config{
			SenderName:         cfg.Transport.SMTP.SenderName,
			LocalName:          cfg.Transport.SMTP.LocalName,
			InsecureSkipVerify: cfg.Transport.SMTP.InsecureSkipVerify,
		}), nil

	case "ses":
		slog.Info("using AWS SES transport",
			"region", cfg.Transport.SES.Region,
			"sender", cfg.Transport.SES.Sender,
		)
		return ses.New(ses.Config{
			Region: cfg.Transport.SES.Region,
			Sender: cfg.Transport.SES.Sender,
		})

	case "graph":
		slog.Info("using Microsoft Graph transport",
			"sender", cfg.Transport.Graph.Sender,
		)
		return graph.New(graph.Config{
			Sender: cfg.Transport.Graph.Sender,
		})

	case "stdout":
		slog.Info("using stdout transport")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}
