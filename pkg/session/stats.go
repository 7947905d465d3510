package session

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Stats accumulates one manager's lifetime statistics: connect
// outcomes and durations, IP-check durations, toggle counts by reason
// and the lease history. Owned by the manager and guarded by its lock;
// callers get copies via Manager.Stats().
type Stats struct {
	ConnectAttempts  int
	ConnectSuccesses int
	ConnectFailures  int
	ConnectDurations []time.Duration
	IPCheckDurations []time.Duration
	Toggles          map[types.ToggleReason]int
	LeaseHistory     []types.LeaseRecord
}

func newStats() *Stats {
	return &Stats{Toggles: make(map[types.ToggleReason]int)}
}

func (s *Stats) recordConnect(d time.Duration) {
	s.ConnectSuccesses++
	s.ConnectDurations = append(s.ConnectDurations, d)
}

func (s *Stats) recordIPCheck(d time.Duration) {
	s.IPCheckDurations = append(s.IPCheckDurations, d)
}

func (s *Stats) recordToggle(reason types.ToggleReason) {
	s.Toggles[reason]++
}

func (s *Stats) addLease(rec types.LeaseRecord) {
	s.LeaseHistory = append(s.LeaseHistory, rec)
}

func (s *Stats) finalizeLease(leaseID string, releasedAt time.Time, reason string) {
	for i := range s.LeaseHistory {
		rec := &s.LeaseHistory[i]
		if rec.LeaseID == leaseID && rec.ReleasedAt.IsZero() {
			rec.ReleasedAt = releasedAt
			rec.Duration = releasedAt.Sub(rec.AllocatedAt)
			rec.ReleaseReason = reason
		}
	}
}

func (s *Stats) setLeaseExitIP(leaseID, exitIP string) {
	for i := range s.LeaseHistory {
		if s.LeaseHistory[i].LeaseID == leaseID {
			s.LeaseHistory[i].ExitIP = exitIP
		}
	}
}

// AvgConnectMs is the mean duration of successful connects.
func (s *Stats) AvgConnectMs() int64 {
	if len(s.ConnectDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.ConnectDurations {
		total += d
	}
	return (total / time.Duration(len(s.ConnectDurations))).Milliseconds()
}

// ReleaseStats builds the summary submitted alongside a lease release.
func (s *Stats) ReleaseStats(lease *types.DongleLease, reason string, now time.Time) *types.ReleaseStats {
	toggles := make(map[types.ToggleReason]int, len(s.Toggles))
	for reason, n := range s.Toggles {
		toggles[reason] = n
	}
	return &types.ReleaseStats{
		SessionSeconds:   int64(now.Sub(lease.AllocatedAt).Seconds()),
		ConnectAttempts:  s.ConnectAttempts,
		ConnectSuccesses: s.ConnectSuccesses,
		ConnectFailures:  s.ConnectFailures,
		AvgConnectMs:     s.AvgConnectMs(),
		Toggles:          toggles,
		ReleaseReason:    reason,
	}
}

// copy deep-copies the stats so callers can read them outside the
// manager's lock.
func (s *Stats) copy() Stats {
	out := Stats{
		ConnectAttempts:  s.ConnectAttempts,
		ConnectSuccesses: s.ConnectSuccesses,
		ConnectFailures:  s.ConnectFailures,
		ConnectDurations: append([]time.Duration(nil), s.ConnectDurations...),
		IPCheckDurations: append([]time.Duration(nil), s.IPCheckDurations...),
		Toggles:          make(map[types.ToggleReason]int, len(s.Toggles)),
		LeaseHistory:     append([]types.LeaseRecord(nil), s.LeaseHistory...),
	}
	for reason, n := range s.Toggles {
		out.Toggles[reason] = n
	}
	return out
}
