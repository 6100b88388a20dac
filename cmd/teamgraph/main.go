package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/teamgraph/modules/hierarchy"
	"github.com/iota-uz/teamgraph/pkg/configuration"
)

const refreshInterval = time.Minute

func main() {
	conf := configuration.Use()
	defer conf.Unload()
	log := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mod, err := hierarchy.New(ctx, conf)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize the hierarchy module")
	}
	defer func() {
		if err := mod.Close(); err != nil {
			log.WithError(err).Error("shutdown left resources behind")
		}
	}()

	appCtx := mod.WithContext(ctx)
	if _, err := mod.Projection.Refresh(appCtx); err != nil {
		log.WithError(err).Warn("initial projection refresh failed; queries fall back to the resolver")
	}

	go refreshLoop(appCtx, mod, log.WithField("component", "projection"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics listener stopped")
		}
	}()

	log.Info("teamgraph is up")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics listener shutdown failed")
	}
}

func refreshLoop(ctx context.Context, mod *hierarchy.Module, log *logrus.Entry) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mod.Projection.Refresh(ctx); err != nil {
				log.WithError(err).Warn("projection refresh failed")
			}
		}
	}
}
