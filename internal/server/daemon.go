package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/internal/api"
	"github.com/sekia-ai/relay/internal/catalog"
	"github.com/sekia-ai/relay/internal/codec"
	"github.com/sekia-ai/relay/internal/endpoints"
	"github.com/sekia-ai/relay/internal/luatransform"
	"github.com/sekia-ai/relay/internal/natsmediator"
	"github.com/sekia-ai/relay/internal/natsserver"
	"github.com/sekia-ai/relay/pkg/adapter"
	"github.com/sekia-ai/relay/pkg/bridge"
	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/mediator"
	"github.com/sekia-ai/relay/pkg/protocol"
	"github.com/sekia-ai/relay/pkg/registry"
)

// Version is reported in every hosted role's identity.
const Version = "0.1.0"

// Daemon is the relayd process.
type Daemon struct {
	cfg       Config
	logger    zerolog.Logger
	nats      *natsserver.Server
	catalog   *catalog.Catalog
	transform *luatransform.Transformer
	stopWatch context.CancelFunc
	adapter   *adapter.Adapter
	bridge    *bridge.Bridge
	mediator  atomic.Pointer[mediator.Mediator]
	registry  *registry.Registry
	roles     []coordination.Agent
	apiServer *api.Server
	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewDaemon creates a Daemon from config.
func NewDaemon(cfg Config, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Run starts all subsystems and blocks until a signal is received or Stop is called.
func (d *Daemon) Run() error {
	d.startedAt = time.Now()

	if err := d.start(); err != nil {
		d.shutdown()
		return err
	}

	d.apiServer = api.New(d.cfg.Server.Socket, api.Deps{
		Catalog:     d.catalog,
		Roles:       d.roles,
		Connections: d.connectionLister(),
		Broadcaster: d.broadcaster(),
		NATSRunning: func() bool { return d.nats.Conn().IsConnected() },
		StartedAt:   d.startedAt,
	}, d.logger)
	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- d.apiServer.Start()
	}()

	d.logger.Info().
		Str("socket", d.cfg.Server.Socket).
		Int("roles", len(d.roles)).
		Msg("relayd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	case err := <-apiErrCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("API server error")
		}
	}

	return d.shutdown()
}

func (d *Daemon) start() error {
	// 1. Start embedded NATS.
	ns, err := natsserver.New(natsserver.Config{
		StoreDir:       d.cfg.NATS.DataDir,
		Host:           d.cfg.NATS.Host,
		Port:           d.cfg.NATS.Port,
		Token:          d.cfg.NATS.Token,
		TransferMaxAge: d.cfg.NATS.TransferMaxAge,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("start nats: %w", err)
	}
	d.nats = ns

	// 2. Start the agent catalogue. Agents it learns about are handed to the
	// mediator once that exists.
	regOpts := d.cfg.roleOptions(d.cfg.Registry.Options.Options)
	cat, err := catalog.New(ns.Conn(), catalog.Config{
		StaleAfter:     d.cfg.Registry.StaleAfter,
		PruneAfter:     d.cfg.Registry.PruneAfter,
		Parallelism:    regOpts.Parallelism,
		RequestTimeout: regOpts.Timeout,
		MessageSecret:  d.cfg.Security.MessageSecret,
		OnAdd:          d.agentAdded,
		OnRemove:       d.agentRemoved,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("start catalog: %w", err)
	}
	d.catalog = cat

	// 3. Hosted roles.
	if d.cfg.Adapter.Enabled {
		if err := d.startAdapter(); err != nil {
			return err
		}
	}
	if d.cfg.Bridge.Enabled {
		if err := d.startBridge(); err != nil {
			return err
		}
	}
	if d.cfg.Mediator.Enabled {
		d.startMediator()
	}
	if d.cfg.Registry.Enabled {
		opts := d.cfg.Registry.Options
		opts.Options = regOpts
		d.registry = registry.New(coordination.Identity{
			ID:           d.cfg.Registry.ID,
			Name:         "Agent Registry",
			Version:      Version,
			Capabilities: []string{"discovery", "coordination"},
		}, opts, cat, d.logger.With().Str("role", "registry").Logger())
		d.roles = append(d.roles, d.registry)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, role := range d.roles {
		if err := role.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", role.Identity().ID, err)
		}
	}
	return nil
}

func (d *Daemon) startAdapter() error {
	var transform coordination.Transformer
	if path := d.cfg.Adapter.Transform; path != "" {
		t, err := luatransform.Load(path, d.logger)
		if err != nil {
			return fmt.Errorf("load adapter transform: %w", err)
		}
		d.transform = t
		transform = t
		if d.cfg.Adapter.WatchTransform {
			ctx, cancel := context.WithCancel(context.Background())
			if err := t.Watch(ctx); err != nil {
				cancel()
				d.logger.Warn().Err(err).Msg("transform hot reload disabled")
			} else {
				d.stopWatch = cancel
			}
		}
	}
	d.adapter = codec.New(codec.Config{
		ID:        d.cfg.Adapter.ID,
		Formats:   d.cfg.Adapter.Formats,
		Options:   d.cfg.roleOptions(d.cfg.Adapter.Options),
		Transform: transform,
	}, d.logger.With().Str("role", "adapter").Logger())
	d.roles = append(d.roles, d.adapter)
	return nil
}

func (d *Daemon) startBridge() error {
	eps, err := endpoints.New(endpoints.Config{
		Systems:   d.cfg.Bridge.Systems,
		NATS:      d.nats.Conn(),
		JetStream: d.nats.JetStream(),
	}, d.logger)
	if err != nil {
		return fmt.Errorf("load bridge systems: %w", err)
	}

	var types []string
	for _, sys := range d.cfg.Bridge.Systems {
		if sys.Type != "" && !slices.Contains(types, sys.Type) {
			types = append(types, sys.Type)
		}
	}
	opts := d.cfg.Bridge.Options
	opts.Options = d.cfg.roleOptions(opts.Options)
	d.bridge = bridge.New(coordination.Identity{
		ID:           d.cfg.Bridge.ID,
		Name:         "System Bridge",
		Version:      Version,
		Capabilities: types,
	}, opts, eps, d.logger.With().Str("role", "bridge").Logger())
	d.roles = append(d.roles, d.bridge)
	return nil
}

func (d *Daemon) startMediator() {
	router := natsmediator.New(d.nats.Conn(), natsmediator.Config{
		SenderID:      d.cfg.Mediator.ID,
		MessageSecret: d.cfg.Security.MessageSecret,
		Presence:      d.catalog,
		FreshWithin:   d.cfg.Registry.StaleAfter,
	}, d.logger)
	opts := d.cfg.Mediator.Options
	opts.Options = d.cfg.roleOptions(opts.Options)
	m := mediator.New(coordination.Identity{
		ID:           d.cfg.Mediator.ID,
		Name:         "Message Mediator",
		Version:      Version,
		Capabilities: []string{"unicast", "broadcast"},
	}, opts, router, d.logger.With().Str("role", "mediator").Logger())
	d.roles = append(d.roles, m)

	// Agents announced before the mediator existed.
	for _, info := range d.catalog.Agents() {
		if err := m.Register(context.Background(), info.AgentRecord); err != nil {
			d.logger.Warn().Err(err).Str("agent", info.ID).Msg("mediator registration failed")
		}
	}
	d.mediator.Store(m)
}

func (d *Daemon) agentAdded(rec protocol.AgentRecord) {
	m := d.mediator.Load()
	if m == nil {
		return
	}
	if err := m.Register(context.Background(), rec); err != nil {
		d.logger.Warn().Err(err).Str("agent", rec.ID).Msg("mediator registration failed")
	}
}

func (d *Daemon) agentRemoved(id string) {
	if m := d.mediator.Load(); m != nil {
		m.Deregister(context.Background(), id)
	}
}

func (d *Daemon) connectionLister() api.ConnectionLister {
	if d.bridge == nil {
		return nil
	}
	return d.bridge
}

func (d *Daemon) broadcaster() api.Broadcaster {
	if m := d.mediator.Load(); m != nil {
		return m
	}
	return nil
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// NATSClientURL returns the embedded NATS server's client URL.
func (d *Daemon) NATSClientURL() string {
	if d.nats == nil {
		return ""
	}
	return d.nats.ClientURL()
}

// NATSConnectOpts returns NATS connection options for in-process connections.
func (d *Daemon) NATSConnectOpts() []nats.Option {
	if d.nats == nil {
		return nil
	}
	return []nats.Option{nats.InProcessServer(d.nats.NATSServer())}
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.apiServer != nil {
		d.apiServer.Shutdown(ctx)
	}
	d.mediator.Store(nil)
	for _, role := range slices.Backward(d.roles) {
		role.Shutdown(ctx)
	}
	if d.stopWatch != nil {
		d.stopWatch()
	}
	if d.transform != nil {
		d.transform.Close()
	}
	if d.catalog != nil {
		d.catalog.Close()
	}
	if d.nats != nil {
		d.nats.Shutdown()
	}
	return nil
}
