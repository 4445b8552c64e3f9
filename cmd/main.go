package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"floorsync/internal/handlers"
	"floorsync/internal/logger"
	"floorsync/internal/remote"
	"floorsync/internal/repository"
	"floorsync/internal/repository/db"
	"floorsync/internal/retry"
	"floorsync/internal/server"
	"floorsync/internal/service"
	"floorsync/internal/session"
)

const (
	defaultDBPath     = "floorsync.db"
	defaultCacheTTL   = 30 * time.Second
	defaultMaxRetries = 3
	cleanupTick       = 24 * time.Hour
)

func main() {
	cfgErr := loadConfig()

	log := logger.Get(viper.GetString("log_level"))
	if cfgErr != nil {
		log.Fatalw("error reading config", "err", cfgErr)
	}

	sqlDB, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	// wire dependencies
	repos := repository.NewRepository(sqlDB)
	adapter := buildAdapter(log)
	queue := retry.NewQueue(repos.Queue, adapter, maxRetries(), log)
	sessions := session.NewManager(repos.KV, adapter, queue, cacheTTL(), log)
	services := service.NewService(service.Deps{
		Repos:     repos,
		Adapter:   adapter,
		Queue:     queue,
		Sessions:  sessions,
		CacheTTL:  cacheTTL(),
		Retention: retention(),
		Log:       log,
	})
	apiHandler := handlers.NewHandler(services, log)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// seed the in-memory mirrors from the durable cache before serving
	services.Warm(ctx)
	sessions.Warm(ctx)

	go replayPending(ctx, services, repos, log)
	go runCleanupLoop(ctx, services, log)

	srv := &server.Server{}
	runHTTPServer(srv, viper.GetString("port"), apiHandler, log)

	waitForShutdown(cancel, srv, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	if dbPath == "" {
		log.Infow("db.path not set in config; using default file", "default", defaultDBPath)
		dbPath = defaultDBPath
	}
	return db.InitDB(dbPath)
}

// buildAdapter returns the remote authority client, or nil when no remote
// is configured. A nil adapter keeps the whole stack in offline mode.
func buildAdapter(log *logger.Logger) remote.Adapter {
	client := remote.NewClient(remote.Config{
		BaseURL: viper.GetString("remote.url"),
		APIKey:  viper.GetString("remote.api_key"),
	}, log)
	if client == nil {
		log.Infow("remote.url not set; running offline")
		return nil
	}
	return client
}

func cacheTTL() time.Duration {
	if secs := viper.GetInt("cache.ttl_seconds"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultCacheTTL
}

func maxRetries() int {
	if n := viper.GetInt("queue.max_retries"); n > 0 {
		return n
	}
	return defaultMaxRetries
}

func retention() service.Retention {
	r := service.Retention{
		MaxAge:   time.Duration(viper.GetInt("history.max_age_days")) * 24 * time.Hour,
		MaxCount: viper.GetInt("history.max_count"),
	}
	if r.MaxAge <= 0 {
		r.MaxAge = 90 * 24 * time.Hour
	}
	if r.MaxCount <= 0 {
		r.MaxCount = 10000
	}
	return r
}

// replayPending drains writes queued by a previous run once at startup.
func replayPending(ctx context.Context, services *service.Service, repos *repository.Repository, log *logger.Logger) {
	n, err := repos.Queue.Count(ctx)
	if err != nil {
		log.Warnw("queue_count_failed", "err", err)
		return
	}
	if n == 0 {
		return
	}
	log.Infow("replaying queued writes from previous run", "count", n)
	result, err := services.RetryFailedSubmissions(ctx)
	if err != nil {
		log.Warnw("startup_replay_failed", "err", err)
		return
	}
	log.Infow("startup_replay_done", "succeeded", result.Succeeded, "failed", result.Failed, "remaining", result.Remaining)
}

// runCleanupLoop triggers history retention once at startup and then
// daily. The service itself enforces the once-per-24h window, so extra
// ticks are harmless.
func runCleanupLoop(ctx context.Context, services *service.Service, log *logger.Logger) {
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()

	for {
		if _, err := services.CleanupOldHistory(ctx); err != nil {
			log.Warnw("history_cleanup_failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful
// shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
