package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/earlyshield/dashboard/internal/assist"
	"github.com/earlyshield/dashboard/internal/config"
	"github.com/earlyshield/dashboard/internal/gateway"
	"github.com/earlyshield/dashboard/internal/journal"
	"github.com/earlyshield/dashboard/internal/server/rest"
	"github.com/earlyshield/dashboard/internal/server/websocket"
	"github.com/earlyshield/dashboard/internal/store"
)

// core is the gateway, store and journal shared by serve and the one-shot
// commands.
type core struct {
	gw      *gateway.Client
	store   *store.Store
	journal *journal.Journal
}

// newCore wires a store to the backend at cfg.APIURL and records every
// operation in the journal. reg may be nil.
func newCore(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*core, error) {
	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	if reg != nil {
		gwOpts = append(gwOpts, gateway.WithMetrics(gateway.NewMetrics(reg)))
	}
	gw := gateway.New(cfg.APIURL, gwOpts...)

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	opts := append(cfg.StoreOptions(), store.WithLogger(logger), store.WithRecorder(j))
	return &core{gw: gw, store: store.New(gw, opts...), journal: j}, nil
}

// Close stops the store before the journal it records into.
func (c *core) Close() {
	c.store.Close()
	if err := c.journal.Close(); err != nil {
		slog.Warn("journal close failed", slog.Any("error", err))
	}
}

// newHTTPHandler builds the consumer-facing mirror over c. The returned
// broadcaster must be fed from the store and closed by the caller.
func newHTTPHandler(c *core, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (http.Handler, *websocket.Broadcaster, error) {
	var auth *rest.JWTConfig
	if cfg.JWT.PublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWT.PublicKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read JWT public key: %w", err)
		}
		pub, err := rest.ParseRSAPublicKey(pem)
		if err != nil {
			return nil, nil, err
		}
		auth = &rest.JWTConfig{
			PublicKey: pub,
			Issuer:    cfg.JWT.Issuer,
			Audience:  cfg.JWT.Audience,
			Logger:    logger,
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt.public_key_path not configured; API authentication disabled (dev mode)")
	}

	bc := websocket.NewBroadcaster(logger, 0)
	opts := []rest.ServerOption{
		rest.WithLogger(logger),
		rest.WithActivityLog(c.journal),
		rest.WithWebSocket(websocket.NewHandler(bc, logger, 0)),
	}
	if cfg.Assist.Enabled() {
		opts = append(opts, rest.WithAssistant(assist.NewOpenAI(assist.Config{
			APIKey:  cfg.Assist.APIKey,
			BaseURL: cfg.Assist.BaseURL,
			Model:   cfg.Assist.Model,
		}, logger)))
	} else {
		logger.Info("assist disabled; no API key configured")
	}

	if reg != nil {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "earlyshield_websocket_clients",
				Help: "Connected WebSocket clients.",
			}, func() float64 { return float64(bc.ClientCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "earlyshield_store_subscribers",
				Help: "Active store subscriptions.",
			}, func() float64 { return float64(c.store.SubscriberCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "earlyshield_journal_entries",
				Help: "Activity entries held in the journal.",
			}, func() float64 { return float64(c.journal.Count()) }),
		)
		opts = append(opts, rest.WithMetrics(reg, reg))
	}

	return rest.NewRouter(rest.NewServer(c.store, opts...), auth), bc, nil
}
