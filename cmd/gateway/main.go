package main

import (
	"context"
	"crypto/rand"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/alert"
	"guardpost/gateway-service/internal/authz"
	"guardpost/gateway-service/internal/config"
	"guardpost/gateway-service/internal/gateway"
	"guardpost/gateway-service/internal/httputil"
	"guardpost/gateway-service/internal/identity"
	"guardpost/gateway-service/internal/metrics"
	"guardpost/gateway-service/internal/monitor"
	"guardpost/gateway-service/internal/origin"
	"guardpost/gateway-service/internal/rate"
	"guardpost/gateway-service/internal/token"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides GUARDPOST_CONFIG env var)")
	flag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("GUARDPOST_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("environment", cfg.Environment).
		Str("listen", cfg.Server.Listen).
		Str("log_level", cfg.Logging.Level).
		Msg("server configuration")
	log.Info().
		Str("algorithm", cfg.RateLimit.Algorithm).
		Bool("redis", cfg.RateLimit.RedisDSN != "").
		Int("classes", len(cfg.RateLimit.Classes)).
		Msg("rate limit configuration")
	log.Info().
		Strs("origins", cfg.AllowedOrigins()).
		Int("session_timeout_min", cfg.Session.TimeoutMin).
		Bool("nats_alerts", cfg.Alerts.NATSURL != "").
		Msg("security configuration")

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	limiter, store, err := buildLimiter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create rate limiter")
	}

	var delivery monitor.Delivery
	var natsPub *alert.NATSPublisher
	if cfg.Alerts.NATSURL != "" {
		natsPub, err = alert.NewNATSPublisher(cfg.Alerts.NATSURL, cfg.Alerts.SubjectPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to alert broker")
		}
		delivery = natsPub
		log.Info().Str("url", cfg.Alerts.NATSURL).Msg("alert delivery via NATS")
	} else {
		delivery = alert.LogSink{}
		log.Warn().Msg("alerts.nats_url not set; alerts go to the log only")
	}

	mon := monitor.New(monitor.Options{
		Thresholds: cfg.Anomaly.Thresholds,
		Window:     time.Duration(cfg.Anomaly.WindowSec) * time.Second,
		Retention:  time.Duration(cfg.Monitor.RetentionDays) * 24 * time.Hour,
		Recipients: cfg.Alerts.Recipients,
		Delivery:   delivery,
		SweepEvery: time.Duration(cfg.Monitor.SweepEverySec) * time.Second,
	})

	sessions := token.NewSessionStore(
		cfg.Session.Timeout(),
		time.Duration(cfg.Session.SweepEverySec)*time.Second,
	)

	idClient := identity.NewHTTPClient(cfg.Identity.URL, cfg.IdentityTimeout())
	verifier := token.NewVerifier(idClient, idClient, sessions, mon, cfg.Session.CookieName, false)
	resolver := authz.NewResolver(mon)
	originPolicy := origin.NewPolicy(cfg.AllowedOrigins(), cfg.IsProduction(), mon)

	ipHashKey := []byte(cfg.Logging.IPHashKey)
	if len(ipHashKey) == 0 {
		log.Warn().Msg("logging.ip_hash_key not set; generating ephemeral key (hashed IPs will not correlate across restarts)")
		ipHashKey = make([]byte, 32)
		rand.Read(ipHashKey)
	}

	gw := gateway.New(originPolicy, limiter, verifier, resolver, mon, cfg.TrustedProxies(), ipHashKey)

	mux := http.NewServeMux()

	// Liveness and readiness stay outside the pipeline, load balancers
	// carry no credentials.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	admin := &adminAPI{events: mon}
	adminOpts := gateway.RouteOptions{
		Class:       config.ClassAPI,
		RequireAuth: true,
		Resource:    "security",
	}
	mux.Handle("/admin/security/events", gw.Wrap(http.HandlerFunc(admin.handleEvents), adminOpts))
	mux.Handle("/admin/security/metrics", gw.Wrap(http.HandlerFunc(admin.handleMetrics), adminOpts))
	mux.Handle("/admin/security/events/resolve", gw.Wrap(http.HandlerFunc(admin.handleResolve), adminOpts))
	mux.Handle("/admin/security/alerts/acknowledge", gw.Wrap(http.HandlerFunc(admin.handleAcknowledge), adminOpts))

	// Identity echo for smoke tests and frontend session checks.
	mux.Handle("/api/whoami", gw.Wrap(http.HandlerFunc(handleWhoami), gateway.RouteOptions{
		Class:       config.ClassAPI,
		RequireAuth: true,
		Resource:    "profile",
	}))

	handler := httputil.RequestIDMiddleware(log.Logger)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("guardpost gateway listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}

		mon.Stop()
		limiter.Stop()
		sessions.Stop()
		if store != nil {
			store.Close()
		}
		if natsPub != nil {
			natsPub.Close()
		}
		log.Info().Msg("shutdown complete")
	}
}

// buildLimiter picks the limiter per config: token_bucket keeps state in
// process, fixed_window counts through a store (Redis when a DSN is set).
func buildLimiter(cfg *config.Config) (rate.Limiter, rate.Store, error) {
	sweep := time.Duration(cfg.RateLimit.SweepEverySec) * time.Second

	if cfg.RateLimit.Algorithm == "token_bucket" {
		return rate.NewTokenBucket(cfg.RateLimit.Classes, sweep), nil, nil
	}

	var store rate.Store
	if cfg.RateLimit.RedisDSN != "" {
		rs, err := rate.NewRedisStore(cfg.RateLimit.RedisDSN)
		if err != nil {
			return nil, nil, err
		}
		store = rs
		log.Info().Msg("rate limit state in redis")
	} else {
		store = rate.NewMemoryStore(0)
	}
	return rate.NewFixedWindow(store, cfg.RateLimit.Classes, sweep), store, nil
}

func handleWhoami(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())
	if auth == nil {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "no identity"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":     auth.UserID,
		"email":       auth.Email,
		"role":        auth.Role,
		"permissions": auth.Permissions,
		"session_id":  auth.SessionID,
	})
}
