package invite

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/storage"
)

const (
	// Tier1Interval is how often expired invites are collected.
	Tier1Interval = time.Hour

	// Tier2Interval is how often the age-based sweep runs.
	Tier2Interval = 6 * time.Hour

	// pollInterval is the ticker period. Each tick compares last-run
	// stamps against the clock, so a missed tick collapses into a single
	// sweep instead of a burst.
	pollInterval = time.Minute
)

// Sweeper runs the two-tier invite garbage collection: hourly deletion of
// expired invites, and a six-hourly sweep of anything older than
// MaxInviteAge regardless of expiry.
type Sweeper struct {
	store  storage.Store
	clock  clockwork.Clock
	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.Mutex
	lastTier1At time.Time
	lastTier2At time.Time
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store storage.Store, clock clockwork.Clock) *Sweeper {
	return &Sweeper{
		store:  store,
		clock:  clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the sweep loop. The first sweeps run one full interval after
// start.
func (s *Sweeper) Start() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTier1At = now
	s.lastTier2At = now
	s.mu.Unlock()
	go s.run()
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := s.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sweepDue(s.clock.Now())
		case <-s.stopCh:
			return
		}
	}
}

// sweepDue runs whichever tiers are due at the given time. Errors are
// logged and never stop the loop.
func (s *Sweeper) sweepDue(now time.Time) {
	s.mu.Lock()
	tier1Due := now.Sub(s.lastTier1At) >= Tier1Interval
	tier2Due := now.Sub(s.lastTier2At) >= Tier2Interval
	if tier1Due {
		s.lastTier1At = now
	}
	if tier2Due {
		s.lastTier2At = now
	}
	s.mu.Unlock()

	if tier1Due {
		s.sweepTier1(now)
	}
	if tier2Due {
		s.sweepTier2(now)
	}
}

func (s *Sweeper) sweepTier1(now time.Time) {
	n, err := s.store.DeleteExpiredInvites(now)
	if err != nil {
		logger := log.WithComponent("invite-sweeper")
		logger.Error().Err(err).Msg("Tier-1 sweep failed")
		return
	}
	if n > 0 {
		metrics.InviteSweepDeletionsTotal.WithLabelValues("tier1").Add(float64(n))
		logger := log.WithComponent("invite-sweeper")
		logger.Info().Int("deleted", n).Msg("Removed expired invites")
	}
}

func (s *Sweeper) sweepTier2(now time.Time) {
	n, err := s.store.DeleteInvitesCreatedBefore(now.Add(-MaxInviteAge))
	if err != nil {
		logger := log.WithComponent("invite-sweeper")
		logger.Error().Err(err).Msg("Tier-2 sweep failed")
		return
	}
	if n > 0 {
		metrics.InviteSweepDeletionsTotal.WithLabelValues("tier2").Add(float64(n))
		logger := log.WithComponent("invite-sweeper")
		logger.Info().Int("deleted", n).Msg("Removed invites past maximum age")
	}
}
