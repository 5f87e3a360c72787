// Package main provides the entry point for the backtest engine server:
// signal-driven trade simulation, grid optimization, fingerprint-keyed
// result caching, and execution monitoring behind a JSON HTTP API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/api"
	"github.com/atlas-desktop/backtest-engine/internal/cache"
	"github.com/atlas-desktop/backtest-engine/internal/monitor"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (yaml)")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	config, err := loadConfig(*configFile)
	if err != nil {
		panic(err)
	}
	if *host != "" {
		config.Server.Host = *host
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}

	logger := setupLogger(config.LogLevel)
	defer logger.Sync()

	logger.Info("starting backtest engine",
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("cache_path", config.Cache.Path),
	)

	resultCache := cache.New(logger, config.Cache)
	mon := monitor.New(logger, config.Monitor)

	server := api.NewServer(logger, config, resultCache, mon)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	mon.Shutdown()
	if err := resultCache.Shutdown(); err != nil {
		logger.Error("error closing result cache", zap.Error(err))
	}

	logger.Info("server stopped")
}

// loadConfig layers viper sources over the built-in defaults: an optional
// config file, then BACKTEST_* environment variables.
func loadConfig(path string) (types.Config, error) {
	config := types.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", config.Server.Host)
	v.SetDefault("server.port", config.Server.Port)
	v.SetDefault("server.read_timeout", config.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", config.Server.WriteTimeout)
	v.SetDefault("server.websocket_path", config.Server.WebSocketPath)
	v.SetDefault("server.enable_metrics", config.Server.EnableMetrics)
	v.SetDefault("server.allowed_origins", config.Server.AllowedOrigins)
	v.SetDefault("cache.path", config.Cache.Path)
	v.SetDefault("cache.namespace", config.Cache.Namespace)
	v.SetDefault("cache.default_ttl", config.Cache.DefaultTTL)
	v.SetDefault("cache.op_timeout", config.Cache.OpTimeout)
	v.SetDefault("cache.max_retries", config.Cache.MaxRetries)
	v.SetDefault("cache.retry_backoff", config.Cache.RetryBackoff)
	v.SetDefault("monitor.max_history_size", config.Monitor.MaxHistorySize)
	v.SetDefault("monitor.health_interval", config.Monitor.HealthInterval)
	v.SetDefault("monitor.health_ring_size", config.Monitor.HealthRingSize)
	v.SetDefault("monitor.retention_period", config.Monitor.RetentionPeriod)
	v.SetDefault("optimizer.max_workers", config.Optimizer.MaxWorkers)
	v.SetDefault("log_level", config.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config, err
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, err
	}
	return config, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
