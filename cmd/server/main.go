// Command server runs the OAuth connection service: the HTTP surface for
// beginning authorizations, completing provider callbacks, and handing out
// valid tokens, plus the background sweepers that keep the state store and
// rate-limit counters bounded.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/postflow-hq/postflow/internal/api"
	"github.com/postflow-hq/postflow/internal/api/middleware"
	"github.com/postflow-hq/postflow/internal/config"
	"github.com/postflow-hq/postflow/internal/logging"
	"github.com/postflow-hq/postflow/internal/oauth"
	"github.com/postflow-hq/postflow/internal/platform"
	"github.com/postflow-hq/postflow/internal/store"
	"github.com/postflow-hq/postflow/internal/tokencipher"
)

const (
	stateSweepInterval   = time.Minute
	counterSweepInterval = 5 * time.Minute
	shutdownTimeout      = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("initialize store: %v", err)
	}
	defer cleanup()

	cipher, err := tokencipher.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("initialize token cipher: %v", err)
	}

	registry := platform.NewRegistry(cfg.FrontendURL, cfg.Platforms)
	orchestrator := oauth.New(registry, st, cipher, nil)

	server := api.NewServer(orchestrator, api.Options{
		Profiles: rateLimitProfiles(cfg),
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(cfg.Port)
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return sweepStates(ctx, st)
	})
	group.Go(func() error {
		return sweepCounters(ctx, server.Counters())
	})

	if err = group.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("server error: %v", err)
	}
	log.Info("stopped")
}

// buildStore selects the persistence backend: Postgres when DATABASE_URL is
// set, the in-memory store otherwise. The optional object mirror wraps either.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup = func() {}
	)

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, store.PostgresStoreConfig{DSN: cfg.DatabaseURL})
		if err != nil {
			return nil, nil, err
		}
		if err = pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		st = pg
		cleanup = func() { _ = pg.Close() }
		log.Info("store: using postgres backend")
	} else {
		st = store.NewMemoryStore(store.StateTTL)
		log.Warn("store: DATABASE_URL not set, using in-memory backend; connections are lost on restart")
	}

	if cfg.ObjectMirror.Endpoint != "" {
		mirror, err := store.NewObjectMirror(ctx, store.ObjectMirrorConfig{
			Endpoint:  cfg.ObjectMirror.Endpoint,
			Bucket:    cfg.ObjectMirror.Bucket,
			AccessKey: cfg.ObjectMirror.AccessKey,
			SecretKey: cfg.ObjectMirror.SecretKey,
			Region:    cfg.ObjectMirror.Region,
			Prefix:    cfg.ObjectMirror.Prefix,
			UseSSL:    cfg.ObjectMirror.UseSSL,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		st = store.NewMirroredStore(st, mirror)
		log.Infof("store: mirroring connection inventory to bucket %s", cfg.ObjectMirror.Bucket)
	}

	return st, cleanup, nil
}

// rateLimitProfiles applies configured overrides to the default limits.
func rateLimitProfiles(cfg *config.Config) middleware.Profiles {
	profiles := middleware.DefaultProfiles()
	if v := cfg.RateLimit.AuthorizeMax; v > 0 {
		profiles.Authorize.MaxRequests = v
	}
	if v := cfg.RateLimit.CallbackMax; v > 0 {
		profiles.Callback.MaxRequests = v
	}
	if v := cfg.RateLimit.TokenMax; v > 0 {
		profiles.Token.MaxRequests = v
	}
	if v := cfg.RateLimit.GeneralMax; v > 0 {
		profiles.General.MaxRequests = v
	}
	if v := cfg.RateLimit.UploadMax; v > 0 {
		profiles.Upload.MaxRequests = v
	}
	return profiles
}

// sweepStates periodically evicts expired authorization states.
func sweepStates(ctx context.Context, st store.Store) error {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := st.SweepExpiredStates(ctx)
			if err != nil {
				log.WithError(err).Warn("state sweep failed")
				continue
			}
			if removed > 0 {
				log.Debugf("state sweep removed %d abandoned flows", removed)
			}
		}
	}
}

// sweepCounters periodically drops stale rate-limit windows.
func sweepCounters(ctx context.Context, counters middleware.CounterStore) error {
	ticker := time.NewTicker(counterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			counters.Sweep()
		}
	}
}
