package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	assetcache "github.com/always-cache/asset-cache"
	"github.com/always-cache/asset-cache/cache"
	"github.com/always-cache/asset-cache/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags, they override the config file and environment
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	portFlag           int
	adminPortFlag      int
	versionTagFlag     string
	storageFlag        string
	dbFilenameFlag     string
	redisAddrFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", 0, "Port for the admin endpoints (0 keeps the configured one)")
	flag.StringVar(&versionTagFlag, "version", "", "Cache version tag")
	flag.StringVar(&storageFlag, "storage", "", "Storage provider: sqlite, memory or redis")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis", "", "Redis address for the redis storage")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)

	setupLogging(cfg.Log)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if cfg.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open storage")
	}
	defer storage.Close()

	rt := assetcache.NewRuntime(assetcache.RuntimeConfig{
		Storage: storage,
		Network: assetcache.NewOriginNetwork(*originURL, cfg.Host, &log.Logger),
		Logger:  &log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// requests are passed through until a worker is active
	go func() {
		w, err := rt.Register(ctx, assetcache.Config{
			Name:                cfg.App.Name,
			Version:             cfg.App.Version,
			StaticPrefix:        cfg.App.StaticPrefix,
			Precache:            assetcache.PrecacheList(cfg.App.StaticPrefix, cfg.App.Precache, cfg.App.Static),
			PrecacheConcurrency: cfg.App.PrecacheConcurrency,
		})
		logRegistration(log.Logger, w, err)
	}()

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: rt},
	}
	if cfg.AdminPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
			Handler: assetcache.AdminRouter(rt),
		})
	}
	for _, server := range servers {
		go func(server *http.Server) {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Str("addr", server.Addr).Msg("Server failed")
			}
		}(server)
	}
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, originURL.String(), cfg.Host)

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", server.Addr).Msg("Could not shut down cleanly")
		}
	}
}

// logRegistration reports a failed or partly failed worker registration.
// Success is logged by the runtime itself.
func logRegistration(logger zerolog.Logger, w *assetcache.Worker, err error) {
	switch {
	case w == nil:
		logger.Error().Err(err).Msg("Could not register worker")
	case err != nil:
		// the worker is active, only removing stale buckets failed
		logger.Warn().Err(err).Str("bucket", w.BucketName()).Msg("Worker active, stale buckets remain")
	}
}

func applyFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if adminPortFlag != 0 {
		cfg.AdminPort = adminPortFlag
	}
	if versionTagFlag != "" {
		cfg.App.Version = versionTagFlag
	}
	if storageFlag != "" {
		cfg.Storage.Provider = storageFlag
	}
	if dbFilenameFlag != "" {
		cfg.Storage.DB = dbFilenameFlag
	}
	if redisAddrFlag != "" {
		cfg.Storage.RedisAddr = redisAddrFlag
	}
	if verbosityTraceFlag {
		cfg.Log.Level = "trace"
	}
	if logFilenameFlag != "" {
		cfg.Log.File = logFilenameFlag
	}
}

// setupLogging logs to stdout, and also to a rotated log file if configured.
func setupLogging(cfg config.Log) {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		logLevel = zerolog.DebugLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.File != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
}

func openStorage(cfg config.Storage) (cache.Storage, error) {
	switch cfg.Provider {
	case "memory":
		return cache.NewMemStorage(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return cache.NewRedisStorage(client, cfg.Namespace), nil
	default:
		dbFilename := cfg.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStorage(dbFilename)
	}
}
