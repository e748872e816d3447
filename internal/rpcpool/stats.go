package rpcpool

import (
	"sync"
	"time"
)

// callRecord is one entry of the per-pool statistics ring buffer. Per
// spec.md §4.1 this is a contract-only surface ("out of scope for behavior")
// kept for parity with the teacher's RPC-statistics observability tables,
// which this spec explicitly does not expose a read path for.
type callRecord struct {
	Endpoint string
	Method   string
	Latency  time.Duration
	Success  bool
	At       time.Time
}

const statsRingSize = 512

// statsRecorder is a small fixed-size ring buffer plus an aggregated
// per-endpoint/method counter table.
type statsRecorder struct {
	mu      sync.Mutex
	ring    []callRecord
	next    int
	filled  bool
	counts  map[string]*methodCounts
}

type methodCounts struct {
	Success uint64
	Failure uint64
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		ring:   make([]callRecord, statsRingSize),
		counts: make(map[string]*methodCounts),
	}
}

func (s *statsRecorder) record(endpoint, method string, latency time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.next] = callRecord{Endpoint: endpoint, Method: method, Latency: latency, Success: success, At: time.Now()}
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.filled = true
	}

	key := endpoint + "|" + method
	mc, ok := s.counts[key]
	if !ok {
		mc = &methodCounts{}
		s.counts[key] = mc
	}
	if success {
		mc.Success++
	} else {
		mc.Failure++
	}
}

// recent returns the ring buffer contents, most recent last.
func (s *statsRecorder) recent() []callRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.filled {
		out := make([]callRecord, s.next)
		copy(out, s.ring[:s.next])
		return out
	}
	out := make([]callRecord, len(s.ring))
	copy(out, s.ring[s.next:])
	copy(out[len(s.ring)-s.next:], s.ring[:s.next])
	return out
}
