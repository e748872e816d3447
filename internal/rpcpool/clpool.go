package rpcpool

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/time/rate"

	"flowscan-clone/internal/clrpc"
	"flowscan-clone/internal/rpcerr"
)

type clSlot struct {
	endpoint *clrpc.Endpoint
	health   *endpointHealth
}

// CLPoolConfig configures the checkpoint-layer pool.
type CLPoolConfig struct {
	Timeout              time.Duration
	MaxConsecutiveErrors int
	Cooldown             time.Duration
	RateLimitCooldown    time.Duration

	// RatePerSecond throttles total outgoing calls across every endpoint in
	// the pool. Zero disables throttling.
	RatePerSecond float64
	RateBurst     int
}

// CLPool fans out checkpoint-layer REST calls over multiple endpoints. It
// shares ELPool's selection and circuit-breaker mechanics but has no chain-id
// concept: every milestone REST endpoint for a network already implies the
// network.
type CLPool struct {
	slots   []*clSlot
	cfg     CLPoolConfig
	stats   *statsRecorder
	limiter *rate.Limiter
}

// NewCLPool builds REST endpoints for every configured base URL. Unlike
// ELPool there is no dial step to fail at construction time: an endpoint is
// only known to be bad once a call to it fails.
func NewCLPool(urls []string, cfg CLPoolConfig) (*CLPool, error) {
	if len(urls) == 0 {
		return nil, errors.New("no CL endpoints configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = 1 * time.Second
	}

	p := &CLPool{cfg: cfg, stats: newStatsRecorder()}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = int(cfg.RatePerSecond)
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, url := range urls {
		ep := clrpc.Dial(url, cfg.Timeout)
		p.slots = append(p.slots, &clSlot{endpoint: ep, health: &endpointHealth{}})
	}
	return p, nil
}

func (p *CLPool) snapshots() []snapshot {
	now := time.Now()
	out := make([]snapshot, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.health.snapshot(now)
	}
	return out
}

func (p *CLPool) call(ctx context.Context, method string, fn func(ctx context.Context, ep *clrpc.Endpoint) error) error {
	snaps := p.snapshots()
	first := pickBest(snaps, -1)
	if first == -1 {
		return rpcerr.Exhausted("all CL endpoints are down")
	}

	err := p.attempt(ctx, method, first, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, clrpc.ErrNotFound) {
		return err
	}
	if rpcerr.Is(err, rpcerr.KindPermanentData) {
		return err
	}

	snaps = p.snapshots()
	second := pickBest(snaps, first)
	if second == -1 {
		return rpcerr.Exhausted("all CL endpoints are down")
	}
	return p.attempt(ctx, method, second, fn)
}

func (p *CLPool) attempt(ctx context.Context, method string, idx int, fn func(ctx context.Context, ep *clrpc.Endpoint) error) error {
	slot := p.slots[idx]
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(callCtx); err != nil {
			return rpcerr.Transient(err)
		}
	}

	start := time.Now()
	err := fn(callCtx, slot.endpoint)
	latency := time.Since(start)

	if err == nil {
		slot.health.recordSuccess(latency)
		p.stats.record(slot.endpoint.URL, method, latency, true)
		return nil
	}

	if errors.Is(err, clrpc.ErrNotFound) {
		// Absence of a not-yet-produced milestone is not an endpoint fault:
		// treat it like a successful call for health purposes.
		slot.health.recordSuccess(latency)
		p.stats.record(slot.endpoint.URL, method, latency, true)
		return clrpc.ErrNotFound
	}

	p.stats.record(slot.endpoint.URL, method, latency, false)
	classified := classifyCLError(err)
	switch rpcerr.ClassifyOf(classified) {
	case rpcerr.KindPermanentData:
		slot.health.recordPermanentFailure(err)
	case rpcerr.KindExhausted:
		slot.health.recordRateLimited(err, p.cfg.RateLimitCooldown)
	default:
		slot.health.recordTransientFailure(err, p.cfg.MaxConsecutiveErrors, p.cfg.Cooldown)
	}
	return classified
}

// classifyCLError maps a clrpc transport error into the §7 taxonomy.
// ErrNotFound is deliberately not classified here: "no milestone yet" is a
// normal outcome for GetMilestone, not a pool-level failure, so callers check
// for it before treating a non-nil error as one of the four kinds.
func classifyCLError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return rpcerr.Transient(err)
	}
	var rl *clrpc.RateLimitedError
	if errors.As(err, &rl) {
		return rpcerr.Exhausted(err.Error())
	}
	var srv *clrpc.ServerError
	if errors.As(err, &srv) {
		return rpcerr.Transient(err)
	}
	return rpcerr.PermanentData(err)
}

// LatestMilestoneCount returns the CL's current milestone sequence count.
func (p *CLPool) LatestMilestoneCount(ctx context.Context) (uint64, error) {
	var result uint64
	err := p.call(ctx, "milestone_count", func(ctx context.Context, ep *clrpc.Endpoint) error {
		n, err := ep.LatestMilestoneCount(ctx)
		if err != nil {
			return err
		}
		result = n
		return nil
	})
	return result, err
}

// GetMilestone fetches the milestone at sequenceID. A not-found response is
// surfaced as clrpc.ErrNotFound rather than wrapped in the §7 taxonomy, since
// "not yet produced" is an expected condition the caller (MilestoneBackfiller)
// polls for rather than an operational fault.
func (p *CLPool) GetMilestone(ctx context.Context, sequenceID uint64) (*clrpc.Milestone, error) {
	var result *clrpc.Milestone
	err := p.call(ctx, "milestone_get", func(ctx context.Context, ep *clrpc.Endpoint) error {
		m, err := ep.GetMilestone(ctx, sequenceID)
		if errors.Is(err, clrpc.ErrNotFound) {
			return clrpc.ErrNotFound
		}
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	if errors.Is(err, clrpc.ErrNotFound) {
		return nil, clrpc.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
