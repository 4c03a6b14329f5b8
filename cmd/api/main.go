package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/config"
	"github.com/takotech/acsg/internal/httpapi"
	"github.com/takotech/acsg/internal/license"
	"github.com/takotech/acsg/internal/obs"
	"github.com/takotech/acsg/internal/session"
	"github.com/takotech/acsg/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer store.Close()

	var keys session.KeyStore
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("parse redis url")
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()
		keys, err = session.NewRedisKeyStore(client)
		if err != nil {
			log.WithError(err).Fatal("init redis key store")
		}
	} else {
		keys = session.NewMemKeyStore()
		log.Warn("no redis configured, session keys are process-local")
	}

	recorder := audit.NewRecorder(store)

	cipher, err := license.NewCipher(cfg.License.CipherSecret)
	if err != nil {
		log.WithError(err).Fatal("init license cipher")
	}
	licSvc, err := license.NewService(store, cipher, cfg.License.CacheTTL)
	if err != nil {
		log.WithError(err).Fatal("init license service")
	}
	gate, err := license.NewGate(licSvc, store)
	if err != nil {
		log.WithError(err).Fatal("init license gate")
	}

	governor, err := session.NewGovernor(store, keys, recorder, session.Config{
		SingleSession: cfg.Session.SingleSession,
		IdleTimeout:   cfg.Session.IdleTimeout,
		MaxSeats: func(ctx context.Context) (int, error) {
			info, err := licSvc.Current(ctx)
			if err != nil || info == nil {
				return cfg.License.DefaultMaxUsers, nil
			}
			return info.MaxUsers, nil
		},
	})
	if err != nil {
		log.WithError(err).Fatal("init session governor")
	}

	resolver, err := access.NewResolver(store, access.WithAppLabels(cfg.PermissionAppLabels))
	if err != nil {
		log.WithError(err).Fatal("init permission resolver")
	}
	scoper, err := access.NewScoper(store)
	if err != nil {
		log.WithError(err).Fatal("init organization scoper")
	}
	evaluator, err := access.NewEvaluator(store, resolver, scoper, store)
	if err != nil {
		log.WithError(err).Fatal("init access evaluator")
	}

	tokens, err := httpapi.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		log.WithError(err).Fatal("init token issuer")
	}

	api, err := httpapi.New(httpapi.Options{
		Principals:    store,
		Perms:         resolver,
		Access:        evaluator,
		Sessions:      governor,
		Lock:          gate,
		Licenses:      licSvc,
		Audit:         recorder,
		Tokens:        tokens,
		Ready:         httpapi.ReadyProbe{DB: store.DB()},
		Version:       version,
		RateBurst:     50,
		RatePerSecond: 25,
	})
	if err != nil {
		log.WithError(err).Fatal("init http api")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := cron.New()
	if _, err := reaper.AddFunc("* * * * *", func() {
		if _, err := governor.ReapInactive(context.Background()); err != nil {
			log.WithError(err).Warn("session reaper pass failed")
		}
	}); err != nil {
		log.WithError(err).Fatal("schedule session reaper")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Infof("starting acsg-api %s", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reaper.Start()
		<-ctx.Done()
		reaper.Stop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("stopped")
}
