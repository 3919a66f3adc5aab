package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sebas/confbridge/internal/adapter"
	"github.com/sebas/confbridge/internal/api"
	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/banner"
	"github.com/sebas/confbridge/internal/bridge"
	"github.com/sebas/confbridge/internal/config"
	"github.com/sebas/confbridge/internal/controller"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/logger"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/mserver/grpcdriver"
	"github.com/sebas/confbridge/internal/transport"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	redisDisplay := cfg.RedisAddr
	if redisDisplay == "" {
		redisDisplay = "disabled"
	}
	banner.Print("CONFERENCE BRIDGE", []banner.ConfigLine{
		{Label: "Client API", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.WSPort)},
		{Label: "Ops API", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HTTPPort)},
		{Label: "Media Servers", Value: mediaServerDisplay(cfg)},
		{Label: "Balancer", Value: cfg.BalancerPolicy},
		{Label: "Legacy Bus", Value: redisDisplay},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	if err := run(cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	bus := events.NewBus()

	hosts, err := buildHosts(cfg)
	if err != nil {
		return err
	}

	policy, err := balancer.ParsePolicy(cfg.BalancerPolicy)
	if err != nil {
		return err
	}
	balCfg := balancer.DefaultConfig()
	balCfg.Policy = policy

	bal, err := balancer.New(balCfg, bus, hosts)
	if err != nil {
		return err
	}
	defer func() {
		if err := bal.Close(); err != nil {
			slog.Warn("Failed to close balancer", "error", err)
		}
	}()

	elementAdapter := adapter.New(bal, bus, mserver.ProfileAll)
	defer func() {
		if err := elementAdapter.Close(); err != nil {
			slog.Warn("Failed to close adapter", "error", err)
		}
	}()

	ctrl := controller.New(elementAdapter, bus, controller.Config{})
	defer ctrl.Close()

	if cfg.RedisAddr != "" {
		legacyBridge := bridge.New(bridge.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, bus, ctrl)
		legacyBridge.Start()
		defer func() {
			if err := legacyBridge.Close(); err != nil {
				slog.Warn("Failed to close bridge", "error", err)
			}
		}()
	}

	wsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.WSPort),
		Handler: transport.NewServer(ctrl),
	}
	opsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HTTPPort),
		Handler: api.Router(ctrl, bal),
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Starting client API", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("Starting ops API", "addr", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Client API shutdown failed", "error", err)
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Ops API shutdown failed", "error", err)
	}
	return nil
}

// mediaServerDisplay formats the configured pool for the banner.
func mediaServerDisplay(cfg *config.Config) string {
	if len(cfg.MediaServerNodes) > 0 {
		ids := make([]string, 0, len(cfg.MediaServerNodes))
		for id := range cfg.MediaServerNodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%s (%s)", id, cfg.MediaServerNodes[id])
		}
		return strings.Join(parts, ", ")
	}
	return strings.Join(cfg.MediaServerAddrs, ", ")
}

// buildHosts dials every configured media server and wraps it as a
// balancer host.
func buildHosts(cfg *config.Config) ([]*balancer.Host, error) {
	nodes := cfg.MediaServerNodes
	if len(nodes) == 0 {
		nodes = make(map[string]string, len(cfg.MediaServerAddrs))
		for i, addr := range cfg.MediaServerAddrs {
			nodes[fmt.Sprintf("mserver-%d", i)] = addr
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no media server addresses configured")
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hosts := make([]*balancer.Host, 0, len(ids))
	for _, id := range ids {
		addr := nodes[id]
		driver, err := grpcdriver.New(grpcdriver.Config{
			Address:           addr,
			ConnectTimeout:    cfg.GRPCConnectTimeout,
			KeepaliveInterval: cfg.GRPCKeepaliveInterval,
			KeepaliveTimeout:  cfg.GRPCKeepaliveTimeout,
			RequestTimeout:    cfg.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dial media server %s at %s: %w", id, addr, err)
		}
		hosts = append(hosts, balancer.NewHost(id, config.HostIP(addr), driver))
		slog.Info("Registered media server", "host_id", id, "addr", addr)
	}
	return hosts, nil
}
