package sidecar

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nahma/sidecar/pkg/api"
	"github.com/nahma/sidecar/pkg/broker"
	"github.com/nahma/sidecar/pkg/config"
	"github.com/nahma/sidecar/pkg/invite"
	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/p2p"
	"github.com/nahma/sidecar/pkg/permission"
	"github.com/nahma/sidecar/pkg/relay"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/swarm"
	"github.com/nahma/sidecar/pkg/types"
)

// DefaultGrace bounds how long Stop waits for in-flight work when the
// caller passes no grace period.
const DefaultGrace = 10 * time.Second

// drainPollInterval is how often Stop re-checks the live connection
// count while draining.
const drainPollInterval = 10 * time.Millisecond

// criticalComponents are the readiness components the supervisor owns,
// in registration order.
var criticalComponents = []string{"store", "metadata", "document", "relay"}

// endpoint is one WebSocket listener plus the server draining it.
type endpoint struct {
	name string
	lis  net.Listener
	srv  *http.Server
}

// Sidecar wires the store, the engines, the three WebSocket endpoints,
// and the HTTP adjunct into one process and owns their lifecycle.
type Sidecar struct {
	cfg      config.Config
	clock    clockwork.Clock
	logger   zerolog.Logger
	identity types.PeerIdentity

	store   *storage.BoltStore
	perms   *permission.Engine
	invites *invite.Manager
	sweeper *invite.Sweeper

	broker  *broker.Broker
	relay   *relay.Relay
	hub     *p2p.Hub
	bus     *swarm.MemorySwarm
	adapter *swarm.MemoryAdapter
	http    *api.Server

	mu        sync.Mutex
	endpoints []*endpoint
	httpLis   net.Listener
	started   bool
	stopped   bool
}

// New builds a sidecar from cfg. The store opens here so a broken
// storage directory fails fast; nothing listens until Start.
func New(cfg config.Config) (*Sidecar, error) {
	s := &Sidecar{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: log.WithComponent("sidecar"),
	}

	var err error
	if cfg.NoPersist {
		s.store, err = storage.NewEphemeralStore()
	} else {
		s.store, err = storage.NewBoltStore(cfg.StorageDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var secret string
	if cfg.NoPersist {
		secret, err = ephemeralSecret()
	} else {
		secret, err = deviceSecret(cfg.StorageDir)
	}
	if err != nil {
		s.store.Close()
		return nil, err
	}
	s.identity = nodeIdentity(secret)

	s.perms = permission.NewEngine(s.store)
	s.invites = invite.NewManager(s.store, s.perms, s.clock)
	s.sweeper = invite.NewSweeper(s.store, s.clock)

	// With persistence disabled the relay never touches a key, so the
	// provider stays nil and no derivation work happens.
	var keyProv relay.KeyProvider
	if !cfg.NoPersist {
		keyProv = newDocKeyProvider(s.store, secret)
	}
	s.relay = relay.New(s.store, s.perms, keyProv, s.clock, relay.Config{
		DisablePersistence: cfg.NoPersist,
	})

	s.broker = broker.New(s.store, s.perms, s.invites, s.clock, broker.Config{
		OnDocumentOpened: func(docID string) {
			s.relay.EnsureObserver(docID)
		},
		OnDocumentsClosed: func(docIDs []string) {
			for _, docID := range docIDs {
				s.relay.DetachObserver(docID)
			}
		},
	})

	s.bus = swarm.NewMemorySwarm()
	s.adapter = s.bus.Adapter()
	s.hub = p2p.New(s.adapter)
	s.http = api.NewServer(api.Config{StaticDir: cfg.StaticDir})

	return s, nil
}

// Start binds the four listeners, registers the readiness components,
// and launches the background loops. With zero ports in the
// configuration the bound addresses are available from the Addr
// accessors afterwards.
func (s *Sidecar) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("sidecar already started")
	}
	if s.stopped {
		return fmt.Errorf("sidecar already stopped")
	}

	if err := s.adapter.Initialize(s.identity); err != nil {
		return fmt.Errorf("failed to initialize swarm adapter: %w", err)
	}

	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s for HTTP adjunct: %w", s.cfg.HTTPAddr(), err)
	}

	specs := []struct {
		name    string
		addr    string
		handler http.HandlerFunc
	}{
		{"metadata", s.cfg.MetaAddr(), s.broker.HandleWS},
		{"document", s.cfg.DocumentAddr(), s.relay.HandleWS},
		{"relay", s.cfg.RelayAddr(), s.hub.HandleWS},
	}
	opened := make([]*endpoint, 0, len(specs))
	for _, spec := range specs {
		lis, err := net.Listen("tcp", spec.addr)
		if err != nil {
			httpLis.Close()
			for _, ep := range opened {
				ep.lis.Close()
			}
			return fmt.Errorf("failed to listen on %s for %s endpoint: %w", spec.addr, spec.name, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/", spec.handler)
		opened = append(opened, &endpoint{
			name: spec.name,
			lis:  lis,
			srv:  &http.Server{Handler: mux},
		})
	}

	// All listeners bound; nothing below fails.
	go func() {
		if err := s.http.Serve(httpLis); err != nil {
			s.logger.Error().Err(err).Msg("HTTP adjunct failed")
		}
	}()
	for _, ep := range opened {
		ep := ep
		go func() {
			if err := ep.srv.Serve(ep.lis); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Str("endpoint", ep.name).Msg("endpoint serve failed")
			}
		}()
		s.logger.Info().
			Str("endpoint", ep.name).
			Str("address", ep.lis.Addr().String()).
			Msg("listening")
	}

	for _, name := range criticalComponents {
		metrics.RegisterComponent(name, true, "")
	}

	s.hub.Start()
	s.sweeper.Start()

	s.endpoints = opened
	s.httpLis = httpLis
	s.started = true

	s.logger.Info().Bool("persistence", !s.cfg.NoPersist).Msg("sidecar started")
	return nil
}

// Stop shuts the sidecar down: background loops first, then the
// listeners with a bounded grace period, then the live connections, then
// the store. Safe to call whether or not Start succeeded; repeat calls
// are no-ops.
func (s *Sidecar) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	endpoints := s.endpoints
	s.mu.Unlock()

	if grace <= 0 {
		grace = DefaultGrace
	}

	if started {
		for _, name := range criticalComponents {
			metrics.UpdateComponent(name, false, "shutting down")
		}

		s.sweeper.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), grace)
		for _, ep := range endpoints {
			if err := ep.srv.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Str("endpoint", ep.name).Msg("endpoint shutdown failed")
			}
		}
		cancel()
		if err := s.http.Stop(grace); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP adjunct shutdown failed")
		}

		// Shutdown above does not touch upgraded connections. Close
		// them directly, then wait for the reader loops to run their
		// teardown so every subscription set empties.
		s.broker.CloseAll()
		s.relay.CloseAll()
		s.hub.CloseAll()
		s.drainConnections(grace)

		s.hub.Stop()
	}

	if err := s.adapter.Destroy(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to destroy swarm adapter")
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.logger.Info().Msg("sidecar stopped")
	return nil
}

// drainConnections polls the endpoints until every live connection has
// torn down or the grace period runs out.
func (s *Sidecar) drainConnections(grace time.Duration) {
	deadline := s.clock.Now().Add(grace)
	for s.clock.Now().Before(deadline) {
		if s.broker.ConnCount()+s.relay.ConnCount()+s.hub.ConnCount() == 0 {
			return
		}
		s.clock.Sleep(drainPollInterval)
	}
	s.logger.Warn().
		Int("metadata", s.broker.ConnCount()).
		Int("document", s.relay.ConnCount()).
		Int("relay", s.hub.ConnCount()).
		Msg("connections still open after grace period")
}

// MetaAddr returns the metadata endpoint's bound address, or nil before
// Start.
func (s *Sidecar) MetaAddr() net.Addr { return s.endpointAddr("metadata") }

// DocumentAddr returns the document endpoint's bound address, or nil
// before Start.
func (s *Sidecar) DocumentAddr() net.Addr { return s.endpointAddr("document") }

// RelayAddr returns the P2P relay endpoint's bound address, or nil
// before Start.
func (s *Sidecar) RelayAddr() net.Addr { return s.endpointAddr("relay") }

// HTTPAddr returns the HTTP adjunct's bound address, or nil before
// Start.
func (s *Sidecar) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

func (s *Sidecar) endpointAddr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		if ep.name == name {
			return ep.lis.Addr()
		}
	}
	return nil
}
