// Command agentauthd serves the AgentAuth challenge and token endpoints
// over HTTP.
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

	"github.com/dyshay/agentauth/challenge"
	"github.com/dyshay/agentauth/crypto"
	"github.com/dyshay/agentauth/engine"
	"github.com/dyshay/agentauth/httpapi"
	"github.com/dyshay/agentauth/store"
)

// signingKeyInfo versions the HKDF derivation of the token signing secret.
// Bumping it invalidates every outstanding token.
const signingKeyInfo = "agentauth-token-signing-v1"

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
	masterKeyPath := flag.String("master-key", "", "path to the master key file (at least 32 bytes)")
	logFilePath := flag.String("log-file", "agentauthd.log", "debug log file, empty for stdout only")
	ttl := flag.Int64("ttl", 30, "challenge TTL in seconds")
	difficulty := flag.String("difficulty", "medium", "default challenge difficulty (easy, medium, hard, adversarial)")
	canaries := flag.Int("canaries", 2, "canaries injected per challenge, 0 disables model probing")
	sessionTracking := flag.Bool("session-tracking", false, "track per-model timing consistency across solves")
	flag.Parse()

	if *masterKeyPath == "" {
		fmt.Fprintln(os.Stderr, "agentauthd: -master-key is required")
		flag.Usage()
		os.Exit(2)
	}
	master, err := os.ReadFile(*masterKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentauthd: reading master key: %v\n", err)
		os.Exit(1)
	}
	if len(master) < 32 {
		fmt.Fprintf(os.Stderr, "agentauthd: master key must be at least 32 bytes, got %d\n", len(master))
		os.Exit(1)
	}
	secret, err := crypto.DeriveKey(master, signingKeyInfo, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentauthd: deriving signing secret: %v\n", err)
		os.Exit(1)
	}
	clear(master)

	diff, err := challenge.ParseDifficulty(*difficulty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentauthd: %v\n", err)
		os.Exit(2)
	}

	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	var logger *slog.Logger
	if *logFilePath != "" {
		logFile, err := os.OpenFile(*logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentauthd: opening log file: %v\n", err)
			os.Exit(1)
		}
		defer logFile.Close()
		fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
		logger = slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	} else {
		logger = slog.New(stdoutHandler)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	st := store.NewMemoryStore()
	st.StartJanitor(janitorCtx, time.Minute)

	eng, err := engine.New(engine.Config{
		Secret:              secret,
		Store:               st,
		Registry:            challenge.NewDefaultRegistry(),
		ChallengeTTLSeconds: *ttl,
		Difficulty:          diff,
		PoMI: engine.PoMIConfig{
			Enabled:              *canaries > 0,
			CanariesPerChallenge: *canaries,
		},
		Timing: engine.TimingConfig{
			Enabled:         true,
			SessionTracking: *sessionTracking,
		},
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentauthd: %v\n", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.NewHandler(eng, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		stopJanitor()
		close(done)
	}()

	logger.Info("agentauthd listening", "addr", *addr,
		"difficulty", diff, "canaries", *canaries, "session_tracking", *sessionTracking)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "agentauthd: server error: %v\n", err)
		os.Exit(1)
	}
	<-done
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
