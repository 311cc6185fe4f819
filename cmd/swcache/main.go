package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/pkg/logging"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	hostFlag           string
	portFlag           int
	versionFlag        string
	storeFlag          string
	verbosityTraceFlag bool
	logFilenameFlag    string
	jsonLogsFlag       bool

	// this is set by goreleaser
	buildVersion string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL the worker controls (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin, for requests and TLS")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&versionFlag, "version", "", "Cache version tag (overrides config)")
	flag.StringVar(&storeFlag, "store", "", "Cache store: 'memory', a SQLite file name or a redis:// URL")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&jsonLogsFlag, "json", false, "Log JSON instead of console output")

	if buildVersion == "" {
		buildVersion = "DEV"
	}
}

func main() {
	flag.Parse()

	level := "debug"
	if verbosityTraceFlag {
		level = "trace"
	}
	logger, closeLog, err := logging.Setup(logging.Config{
		Level: level,
		JSON:  jsonLogsFlag,
		File:  logFilenameFlag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open log file")
	}
	defer closeLog()
	logger = logger.With().Str("build", buildVersion).Logger()

	config, err := swcache.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)

	env, err := swcache.NewEnvironment(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	registry, closeRegistry, err := openRegistry(config.Store)
	if err != nil {
		log.Fatal().Err(err).Str("store", config.Store).Msg("Could not open cache store")
	}
	defer closeRegistry()

	registration := swcache.NewRegistration(swcache.Options{
		Registry: registry,
		Network:  swcache.NewClientNetwork(config.NetworkTimeout, config.OriginHost),
		Logger:   &logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, report, err := registration.Register(ctx, env); err != nil {
		log.Fatal().Err(err).Msg("Could not install worker")
	} else if len(report.Failed) > 0 {
		log.Warn().Int("failed", len(report.Failed)).Msg("Some assets were not pre-cached")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router(registration, config),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving %s on port %d (version %s)", env.Scope().String(), config.Port, env.Version())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	registration.Close()
}

func applyFlags(config *swcache.Config) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.OriginHost = hostFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if versionFlag != "" {
		config.Version = versionFlag
	}
	if storeFlag != "" {
		config.Store = storeFlag
	}
}

// openRegistry selects the cache store from its name.
func openRegistry(store string) (cache.Registry, func() error, error) {
	switch {
	case store == "" || store == "memory":
		return cache.NewMemRegistry(), func() error { return nil }, nil
	case strings.HasPrefix(store, "redis://") || strings.HasPrefix(store, "rediss://"):
		opts, err := redis.ParseURL(store)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return cache.NewRedisRegistry(client, "swcache:"), client.Close, nil
	default:
		registry, err := cache.NewSQLiteRegistry(store)
		if err != nil {
			return nil, nil, err
		}
		return registry, registry.Close, nil
	}
}

func router(registration *swcache.Registration, config swcache.Config) http.Handler {
	r := chi.NewRouter()
	r.Route("/-", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if registration.Active() == nil {
				http.Error(w, "no active worker", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		})
		r.Handle("/metrics", promhttp.Handler())
		r.Post("/install", installHandler(registration, config))
		r.Post("/activate", func(w http.ResponseWriter, r *http.Request) {
			deleted, err := registration.ActivateWaiting(r.Context())
			if errors.Is(err, swcache.ErrNoWaitingWorker) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, map[string]any{"deleted": deleted, "error": errString(err)})
		})
		r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
			active := registration.Active()
			if active == nil {
				http.Error(w, swcache.ErrNotActivated.Error(), http.StatusServiceUnavailable)
				return
			}
			n, err := active.RefreshAll(r.Context())
			writeJSON(w, map[string]any{"refreshed": n, "error": errString(err)})
		})
		r.Get("/partitions", func(w http.ResponseWriter, r *http.Request) {
			active := registration.Active()
			if active == nil {
				http.Error(w, swcache.ErrNotActivated.Error(), http.StatusServiceUnavailable)
				return
			}
			infos, err := active.Partitions(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, infos)
		})
	})
	r.Handle("/*", registration)
	return r
}

// installHandler installs the version given in the query, or the configured one.
// Unless activate=false is passed, the new worker takes over right away.
func installHandler(registration *swcache.Registration, config swcache.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := config
		if v := r.URL.Query().Get("version"); v != "" {
			cfg.Version = v
		}
		env, err := swcache.NewEnvironment(cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		install := registration.Register
		if r.URL.Query().Get("activate") == "false" {
			install = registration.Install
		}
		_, report, err := install(r.Context(), env)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, report)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
