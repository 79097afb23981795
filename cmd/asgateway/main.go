// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/element-hq/asgateway/appservice"
	"github.com/element-hq/asgateway/appservice/routing"
	"github.com/element-hq/asgateway/appservice/storage"
	"github.com/element-hq/asgateway/internal"
	"github.com/element-hq/asgateway/internal/caching"
	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/element-hq/asgateway/internal/httputil"
	"github.com/element-hq/asgateway/internal/sqlutil"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/element-hq/asgateway/setup/process"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "asgateway.yaml", "The path to the config file. For more information, see the config file in this repository.")
	version    = flag.Bool("version", false, "Shows the current version and exits immediately.")
	generate   = flag.Bool("generate-config", false, "Prints a sample config file with the default values and exits immediately.")
)

const (
	httpServerTimeout = time.Minute * 5
	shutdownTimeout   = time.Second * 10
)

func main() {
	flag.Parse()
	if *version {
		fmt.Println(internal.VersionString())
		return
	}
	if *generate {
		sample, err := config.GenerateSample()
		if err != nil {
			logrus.WithError(err).Fatal("Failed to generate sample config")
		}
		fmt.Print(string(sample))
		return
	}

	internal.SetupStdLogging()
	cfg, err := config.Load(*configPath)
	if err != nil {
		var configErr *config.ConfigError
		if errors.As(err, &configErr) {
			var configErrs config.ConfigErrors
			if errors.As(configErr.Err, &configErrs) {
				for _, e := range configErrs {
					logrus.Errorf("Configuration error: %s", e)
				}
			}
		}
		logrus.WithError(err).Fatalf("Failed to start due to configuration errors")
	}
	internal.SetupHookLogging(cfg.Logging)
	logrus.Infof("asgateway version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			ServerName:       string(cfg.Global.ServerName),
			Release:          "asgateway@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	processCtx := process.NewProcessContext()
	ctx := processCtx.Context()

	client, err := hsclient.NewClient(hsclient.ClientConfig{
		HomeserverURL:        cfg.Global.HomeserverURL,
		ASToken:              cfg.Derived.ApplicationService.ASToken,
		ServerName:           cfg.Global.ServerName,
		DisableTLSValidation: cfg.Global.DisableTLSValidation,
		ValidateSessions:     cfg.Global.ValidateSessions,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create homeserver client")
	}

	conMan := sqlutil.NewConnectionManager()
	defer sqlutil.Close(conMan)
	store, err := storage.NewDatabase(ctx, conMan, &cfg.Transactions)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open transaction store")
	}
	defer sqlutil.Close(store)

	enableMetrics := caching.DisableMetrics
	if cfg.Metrics.Enabled {
		enableMetrics = caching.EnableMetrics
	}
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, enableMetrics)
	defer caches.Close()

	gw, err := appservice.NewGateway(ctx, cfg, client, store, caches)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create gateway")
	}
	gw.SetEventHandler(&logEvents{})

	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting)
	defer rateLimits.Stop()

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	if cfg.Metrics.Enabled {
		upCounter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asgateway",
			Name:      "up",
			ConstLabels: map[string]string{
				"version": internal.VersionString(),
			},
		})
		upCounter.Add(1)
		prometheus.MustRegister(upCounter)
		router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Metrics.BasicAuth.Username,
			Password: cfg.Metrics.BasicAuth.Password,
		}))
	}
	routing.Setup(router, gw, cfg, rateLimits)

	server := &http.Server{
		Addr:         cfg.Global.Listen,
		WriteTimeout: httpServerTimeout,
		Handler:      router,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logrus.Infof("Application service %q listening on %s", gw.Registration().ID, server.Addr)
		processCtx.ComponentStarted()
		defer processCtx.ComponentFinished()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			processCtx.Degraded(err)
			logrus.WithError(err).Error("Failed to serve HTTP")
			processCtx.ShutdownGateway()
		}
		logrus.Info("HTTP server stopped")
	}()

	waitForShutdown(processCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	processCtx.WaitForComponentsToFinish()
}

func waitForShutdown(processCtx *process.ProcessContext) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")
	processCtx.ShutdownGateway()
}
