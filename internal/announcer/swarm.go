package announcer

import (
	"sync"
	"time"
)

// swarmReport is one tracker's most recent view of the peer population.
type swarmReport struct {
	seeders, leechers int32
	expiresAt         time.Time
}

// swarm elects the "best" known peer counts across every tracker a torrent
// announces to: the report with the most seeders wins, and reports expire
// after twice their announce interval so a tracker that stops answering
// eventually stops influencing the elected counts.
type swarm struct {
	mu       sync.Mutex
	reports  map[string]swarmReport
	elected  swarmReport
}

func newSwarm() *swarm {
	return &swarm{reports: make(map[string]swarmReport)}
}

func (s *swarm) Seeders() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elected.seeders
}

func (s *swarm) Leechers() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elected.leechers
}

// Update records a tracker's report and re-elects the swarm view.
func (s *swarm) Update(trackerHost string, interval time.Duration, seeders, leechers int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[trackerHost] = swarmReport{
		seeders:   seeders,
		leechers:  leechers,
		expiresAt: time.Now().Add(2 * interval),
	}
	s.elect()
}

func (s *swarm) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = make(map[string]swarmReport)
	s.elected = swarmReport{}
}

// elect must be called with mu held.
func (s *swarm) elect() {
	now := time.Now()
	var best swarmReport
	for host, r := range s.reports {
		if r.expiresAt.Before(now) {
			delete(s.reports, host)
			continue
		}
		if r.seeders > best.seeders {
			best = r
		}
	}
	s.elected = best
}
