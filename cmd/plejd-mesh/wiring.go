package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/plejd-mesh/internal/ble"
	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
	"github.com/chaz8081/plejd-mesh/internal/config"
	"github.com/chaz8081/plejd-mesh/internal/dispatch"
	"github.com/chaz8081/plejd-mesh/internal/mesh"
	"github.com/chaz8081/plejd-mesh/internal/metrics"
	"github.com/chaz8081/plejd-mesh/internal/site"
)

// openSite loads the topology, preferring a fresh read of the site file and
// falling back to the sealed cache.
func openSite(ctx context.Context, cfg *config.Config) (*site.Site, *site.Cache, error) {
	cache, err := site.NewCache(site.NewFileSource(cfg.Site.File), cfg.Cache.Path, cfg.Cache.Secret)
	if err != nil {
		return nil, nil, err
	}
	if err := cache.Load(); err != nil {
		slog.Warn("[SITE] ignoring unreadable cache", "path", cfg.Cache.Path, "error", err)
	}

	s, err := cache.Refresh(ctx)
	if err != nil {
		slog.Warn("[SITE] refresh failed, using cached topology", "error", err)
		if s, err = cache.Get(ctx); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Site.ID != "" && cfg.Site.ID != s.ID {
		return nil, nil, fmt.Errorf("site: topology is for site %s, config expects %s", s.ID, cfg.Site.ID)
	}
	return s, cache, nil
}

// managerOptions maps the config onto the mesh schedule.
func managerOptions(cfg *config.Config, observer ble.Observer) mesh.Options {
	opts := mesh.DefaultOptions()
	opts.PollInterval = cfg.Keepalive.PollInterval
	opts.PushInterval = cfg.Keepalive.PushInterval
	opts.TimeSyncInterval = cfg.Keepalive.TimeSyncInterval
	opts.MaxPingFailures = cfg.Keepalive.MaxPingFailures
	opts.ScanTimeout = cfg.BLE.ScanTimeout
	opts.Session = ble.SessionOptions{
		ConnectAttempts: cfg.BLE.ConnectAttempts,
		BackoffBase:     cfg.BLE.BackoffBase,
		BackoffMax:      cfg.BLE.BackoffMax,
		SettleDelay:     cfg.BLE.SettleDelay,
		Observer:        observer,
	}
	return opts
}

// newManager wires dispatcher, metrics and the host Bluetooth adapter
// around the site.
func newManager(cfg *config.Config, s *site.Site, reg prometheus.Registerer) (*mesh.Manager, error) {
	collector := metrics.New(reg)

	d := dispatch.New()
	d.SubscribeAllStates(collector.OutputState)
	d.SubscribeAllScenes(collector.SceneTriggered)
	d.SubscribeAllButtons(collector.Button)

	d.SubscribeAllStates(func(ev protocol.StateEvent) {
		name := fmt.Sprintf("#%d", ev.Address)
		if dev, ok := s.Device(ev.Address); ok {
			name = dev.Name
		}
		slog.Info("[MESH] device state", "device", name, "on", ev.On, "brightness", ev.Brightness())
	})
	d.SubscribeAllScenes(func(ev protocol.SceneEvent) {
		title := fmt.Sprintf("#%d", ev.Index)
		if sc, ok := s.Scene(ev.Index); ok {
			title = sc.Title
		}
		slog.Info("[MESH] scene triggered", "scene", title)
	})
	d.SubscribeAllButtons(func(ev protocol.ButtonEvent) {
		slog.Info("[MESH] button", "address", ev.Address, "button", ev.Button, "action", ev.Action)
	})

	return mesh.New(ble.NewTinygoAdapter(), s, d, managerOptions(cfg, collector))
}

// connect discovers nodes and attaches the manager to the mesh once.
func connect(ctx context.Context, m *mesh.Manager) error {
	if err := m.Keepalive(ctx); err != nil {
		return fmt.Errorf("connecting to mesh: %w", err)
	}
	return nil
}
