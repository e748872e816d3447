package rpcpool

import (
	"sync"
	"time"
)

// latencyEMAAlpha weights the most recent sample against the running
// average. 0.3 tracks the teacher's flow client's preference for reacting
// quickly to a node going slow without being noisy on single outliers.
const latencyEMAAlpha = 0.3

// endpointHealth is the per-endpoint mutable state described in spec.md
// §4.1: "guarded by a mutex; updates are small and uncontested."
type endpointHealth struct {
	mu sync.Mutex

	latencyEMAms      float64
	consecutiveErrors int
	lastError         error
	lastSuccessAt     time.Time
	downUntil         time.Time
	permanentlyDown   bool // chain-id mismatch or other unrecoverable fault

	chainIDVerified bool
	chainIDMismatch bool
}

// snapshot is a read-only copy used by the selection policy and the
// (out-of-scope-behaviorally) stats surface.
type snapshot struct {
	latencyEMAms      float64
	consecutiveErrors int
	lastError         error
	lastSuccessAt     time.Time
	down              bool
	chainIDMismatch   bool
}

func (h *endpointHealth) snapshot(now time.Time) snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot{
		latencyEMAms:      h.latencyEMAms,
		consecutiveErrors: h.consecutiveErrors,
		lastError:         h.lastError,
		lastSuccessAt:     h.lastSuccessAt,
		down:              h.permanentlyDown || now.Before(h.downUntil),
		chainIDMismatch:   h.chainIDMismatch,
	}
}

func (h *endpointHealth) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := float64(latency.Microseconds()) / 1000.0
	if h.latencyEMAms == 0 {
		h.latencyEMAms = ms
	} else {
		h.latencyEMAms = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*h.latencyEMAms
	}
	h.consecutiveErrors = 0
	h.lastError = nil
	h.lastSuccessAt = time.Now()
}

// recordTransientFailure bumps the consecutive-error counter and, once it
// reaches maxConsecutive, marks the endpoint down for cooldown.
func (h *endpointHealth) recordTransientFailure(err error, maxConsecutive int, cooldown time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErrors++
	h.lastError = err
	if h.consecutiveErrors >= maxConsecutive {
		h.downUntil = time.Now().Add(cooldown)
	}
}

// recordRateLimited marks the endpoint down for a short cooldown without
// touching the consecutive-error circuit breaker — a 429 is not the same
// signal as a broken connection.
func (h *endpointHealth) recordRateLimited(err error, cooldown time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = err
	h.downUntil = time.Now().Add(cooldown)
}

// recordPermanentFailure marks the endpoint permanently down (chain-id
// mismatch, structurally invalid response). Only a configuration reload
// (process restart / pool rebuild) clears this.
func (h *endpointHealth) recordPermanentFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = err
	h.permanentlyDown = true
}

func (h *endpointHealth) markChainIDMismatch(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chainIDMismatch = true
	h.permanentlyDown = true
	h.lastError = err
}

func (h *endpointHealth) markChainIDVerified() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chainIDVerified = true
}

func (h *endpointHealth) isChainIDVerified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chainIDVerified
}

// pickBest implements the §4.1 selection policy: among candidates not
// excluded and not currently down, pick the lowest EMA latency, ties broken
// by most recent success.
func pickBest(snapshots []snapshot, exclude int) int {
	best := -1
	for i, s := range snapshots {
		if i == exclude {
			continue
		}
		if s.down {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		bs := snapshots[best]
		if s.latencyEMAms < bs.latencyEMAms {
			best = i
		} else if s.latencyEMAms == bs.latencyEMAms && s.lastSuccessAt.After(bs.lastSuccessAt) {
			best = i
		}
	}
	return best
}
