// meshrpc-demo runs a server and a client over one transport, wired from a
// TOML config: contract with roles, login, subscription with event fan-out,
// a request round trip and Prometheus metrics with health checks.
//
// Usage: meshrpc-demo [config.toml]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshrpc/meshrpc-go"
	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/health"
	"github.com/meshrpc/meshrpc-go/messaging"
	"github.com/meshrpc/meshrpc-go/metrics"
	"github.com/meshrpc/meshrpc-go/middleware"
	"github.com/meshrpc/meshrpc-go/schema"
)

type sharePayload struct {
	DocID string `json:"docId"`
	With  string `json:"with"`
}

type shareResult struct {
	DocID  string `json:"docId"`
	Shared bool   `json:"shared"`
}

type docUpdated struct {
	DocID string `json:"docId"`
	By    string `json:"by"`
}

func demoContract() *contracts.Contract {
	return &contracts.Contract{
		Name:    "doc-service",
		Version: "1.0.0",
		Roles: map[string]contracts.Role{
			"viewer": {Permissions: []string{"doc:read", "subscribe:doc:updated"}},
			"editor": {Permissions: []string{"doc:write", "request:doc:share", "emit:doc:changed"}, Inherits: []string{"viewer"}},
			"admin":  {Permissions: []string{"*"}, Inherits: []string{"editor"}},
		},
		Events: map[string]contracts.EventDefinition{
			"doc:updated": {Description: "A document changed."},
			"doc:changed": {Description: "Client-side change notification.",
				Access: &contracts.AccessControl{AllowedRoles: []string{"editor", "admin"}}},
		},
		Requests: map[string]contracts.RequestDefinition{
			"doc:share": {Description: "Share a document.",
				Access: &contracts.AccessControl{AllowedRoles: []string{"editor", "admin"}}},
		},
		Errors: []contracts.ErrorDefinition{
			{Code: "DOC_NOT_FOUND", Message: "Document {docId} does not exist", Type: "business", Severity: "medium"},
		},
	}
}

func run() error {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contract := demoContract()
	compiled, err := schema.CompileContract(contract)
	if err != nil {
		return fmt.Errorf("compile contract: %w", err)
	}
	for _, warning := range compiled.Warnings {
		logger.Warn("contract warning", "warning", warning)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(registry, "meshrpc_demo")

	serverMW := middleware.NewManager()
	serverMW.Add(middleware.NewLoggingMiddleware(logger.With("side", "server")))
	serverMW.Add(middleware.NewMetricsMiddleware(collector))

	server, err := meshrpc.Serve(ctx, cfg.Address, nil,
		messaging.WithServerID(cfg.Server.ID),
		messaging.WithMaxClients(cfg.Server.MaxClients),
		messaging.WithClientTimeout(ms(cfg.Server.ClientTTLMs)),
		messaging.WithServerHeartbeatInterval(ms(cfg.Server.HeartbeatMs)),
		messaging.WithServerLogger(logger.With("side", "server")),
		messaging.WithServerMiddleware(serverMW),
		messaging.WithContract(contract),
		messaging.WithValidator(schema.NewContractValidator(compiled)),
	)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer server.Stop(context.Background())

	server.HandleRequest("doc:share", func(ctx context.Context, mc *contracts.MessageContext, payload json.RawMessage) (interface{}, error) {
		var req sharePayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		logger.Info("sharing document", "docId", req.DocID, "with", req.With, "actor", mc.ActorOrNil())
		go server.Publish(context.Background(), "doc:updated", docUpdated{DocID: req.DocID, By: cfg.Actor.ID})
		return shareResult{DocID: req.DocID, Shared: true}, nil
	})

	clientMW := middleware.NewManager()
	clientMW.Add(middleware.NewLoggingMiddleware(logger.With("side", "client")))

	client, err := meshrpc.Connect(ctx, cfg.Address,
		messaging.WithClientID(cfg.Client.ID),
		messaging.WithClientLogger(logger.With("side", "client")),
		messaging.WithClientMiddleware(clientMW),
		messaging.WithHeartbeatConfig(messaging.HeartbeatConfig{
			Interval:        ms(cfg.Client.HeartbeatMs),
			Timeout:         3 * ms(cfg.Client.HeartbeatMs),
			MissedThreshold: cfg.Client.MissedThreshold,
		}),
		messaging.WithReconnectPolicy(messaging.ReconnectPolicy{
			Enabled:        true,
			InitialDelay:   ms(cfg.Client.ReconnectMs),
			MaxDelay:       ms(cfg.Client.ReconnectMaxMs),
			BackoffFactor:  cfg.Client.BackoffFactor,
			MaxAttempts:    cfg.Client.MaxAttempts,
			ResetOnSuccess: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("connect client: %w", err)
	}
	defer client.Disconnect(context.Background())

	if _, err := client.Login(ctx, messaging.Credentials{
		"actorId": cfg.Actor.ID,
		"roles":   cfg.Actor.Roles,
	}); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	updates := make(chan docUpdated, 1)
	client.On("doc:updated", messaging.NewEventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) {
		var evt docUpdated
		if err := env.Decode(&evt); err != nil {
			logger.Warn("bad doc:updated payload", "error", err)
			return
		}
		select {
		case updates <- evt:
		default:
		}
	}))
	subID, err := client.Subscribe(ctx, []string{"doc:updated"}, nil)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Info("subscribed", "subscriptionId", subID)

	if cfg.MetricsListen != "" {
		healthReg := health.NewRegistry()
		healthReg.Register(health.NewClientChecker(client))
		healthReg.Register(health.NewServerChecker(server))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", health.NewHandler(healthReg, 5*time.Second))
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	raw, err := client.Request(ctx, "doc:share", sharePayload{DocID: "doc-1", With: "reviewer"})
	if err != nil {
		return fmt.Errorf("doc:share: %w", err)
	}
	var result shareResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	logger.Info("share result", "docId", result.DocID, "shared", result.Shared)

	select {
	case evt := <-updates:
		logger.Info("received update", "docId", evt.DocID, "by", evt.By)
	case <-time.After(5 * time.Second):
		logger.Warn("no doc:updated event within 5s")
	case <-ctx.Done():
	}

	if cfg.MetricsListen != "" {
		logger.Info("serving metrics until interrupted")
		<-ctx.Done()
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}
