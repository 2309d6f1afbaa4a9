// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	agent "github.com/absmach/certs-agent"
	"github.com/absmach/certs-agent/acme"
	"github.com/absmach/certs-agent/api"
	jaegerClient "github.com/absmach/certs-agent/internal/jaeger"
	"github.com/absmach/certs-agent/internal/prometheus"
	"github.com/absmach/certs-agent/internal/server"
	httpserver "github.com/absmach/certs-agent/internal/server/http"
	"github.com/absmach/certs-agent/internal/uuid"
	"github.com/absmach/certs-agent/tracing"
	"github.com/absmach/certs-agent/workflow"
	"github.com/caarlos0/env/v10"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "acme-agent"
	envPrefixHTTP = "AGENT_HTTP_"

	// The CA validates HTTP-01 over port 80 by convention; deployments
	// usually map it with an external port forward.
	defSvcHTTPPort = "5002"
)

type obsConfig struct {
	ConfigPath string  `env:"AGENT_CONFIG_PATH"       envDefault:""`
	JaegerURL  url.URL `env:"AGENT_JAEGER_URL"        envDefault:"http://jaeger:4318"`
	TraceRatio float64 `env:"AGENT_JAEGER_TRACE_RATIO" envDefault:"1.0"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	obs := obsConfig{}
	if err := env.Parse(&obs); err != nil {
		log.Fatalf("failed to load %s configuration : %s", svcName, err)
	}

	cfg, err := agent.LoadConfig(obs.ConfigPath, agent.ProtocolACME)
	if err != nil {
		log.Fatalf("failed to load %s configuration : %s", svcName, err)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf(err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID, err = uuid.New().ID()
		if err != nil {
			log.Fatalf(fmt.Sprintf("failed to generate instance ID: %s", err))
		}
	}

	tp, err := jaegerClient.NewProvider(ctx, svcName, obs.JaegerURL, cfg.InstanceID, obs.TraceRatio)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to init Jaeger: %s", err))
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("Error shutting down tracer provider: %v", err))
		}
	}()
	tracer := tp.Tracer(svcName)

	solver := acme.NewChallengeStore()
	httpTimeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second
	enroller, err := acme.NewClient(acme.Config{
		DirectoryURL: directoryURL(cfg.PKIURL, cfg.Provisioner),
		Domain:       cfg.DomainName,
		CurlDebug:    cfg.CurlDebug,
	}, solver, &http.Client{Timeout: httpTimeout}, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create ACME client: %s", err))
		return
	}

	svc := newService(cfg, enroller, tracer, logger)

	stepCounter, stepLatency := prometheus.MakeStepMetrics(svcName, "workflow")
	engine := workflow.New(svcName, time.Duration(cfg.CheckIntervalSec)*time.Second, logger, stepCounter, stepLatency)
	for _, step := range agent.Steps(svc, cfg, logger) {
		engine.Register(step)
	}

	httpServerConfig := server.Config{Port: defSvcHTTPPort}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err))
	}
	hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHandler(svcName, cfg.InstanceID, engine, solver.Handler()), logger)

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return engine.RunLoop(ctx, 0)
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated: %s", svcName, err))
	}
}

func newService(cfg agent.Config, enroller agent.Enroller, tracer trace.Tracer, logger *slog.Logger) agent.Service {
	svc := agent.NewService(cfg, enroller, logger)
	svc = api.LoggingMiddleware(svc, logger)
	counter, latency := prometheus.MakeMetrics(svcName, "api")
	svc = api.MetricsMiddleware(svc, counter, latency)
	svc = tracing.New(svc, tracer)

	return svc
}

func directoryURL(pkiURL, provisioner string) string {
	return fmt.Sprintf("%s/acme/%s/directory", strings.TrimRight(pkiURL, "/"), provisioner)
}

func initLogger(levelText string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		return &slog.Logger{}, fmt.Errorf(`{"level":"error","message":"%s: %s","ts":"%s"}`, err, levelText, time.RFC3339Nano)
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(logHandler), nil
}
