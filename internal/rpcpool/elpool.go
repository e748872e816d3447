// Package rpcpool implements the RPC Pool of spec.md §4.1: a uniform
// request operation backed by several candidate endpoints that hides
// failure, latency variance and chain mismatch from callers. ELPool and
// CLPool share the same selection/circuit-breaker mechanics (health.go) but
// are kept as separate types because the EL and CL transports are unrelated
// (JSON-RPC over a persistent connection vs. one-shot REST calls).
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"flowscan-clone/internal/elrpc"
	"flowscan-clone/internal/rpcerr"
)

type elSlot struct {
	endpoint *elrpc.Endpoint
	health   *endpointHealth
}

// ELPoolConfig configures the execution-layer pool.
type ELPoolConfig struct {
	ExpectedChainID      uint64
	Timeout              time.Duration
	MaxConsecutiveErrors int
	Cooldown             time.Duration
	RateLimitCooldown    time.Duration

	// RatePerSecond throttles total outgoing calls across every endpoint in
	// the pool, the same pool-wide budget the teacher applies per client
	// (see newLimiterFromEnv). Zero disables throttling.
	RatePerSecond float64
	RateBurst     int
}

// ELPool fans out EL JSON-RPC calls over multiple endpoints.
type ELPool struct {
	slots   []*elSlot
	cfg     ELPoolConfig
	stats   *statsRecorder
	limiter *rate.Limiter
}

// NewELPool dials every configured EL endpoint and verifies its chain id.
// Endpoints that fail to dial are skipped (logged, not fatal) as long as at
// least one endpoint connects — mirroring the teacher's tolerance for
// partially-unreachable node lists in flow.NewClientFromEnv.
func NewELPool(ctx context.Context, urls []string, cfg ELPoolConfig) (*ELPool, error) {
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

	p := &ELPool{cfg: cfg, stats: newStatsRecorder()}
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

	var firstErr error
	for _, url := range urls {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		ep, err := elrpc.Dial(dialCtx, url)
		cancel()
		if err != nil {
			log.Printf("[rpcpool/el] warn: failed to dial %s: %v", url, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slot := &elSlot{endpoint: ep, health: &endpointHealth{}}
		p.slots = append(p.slots, slot)
		p.verifyChainID(ctx, slot)
	}

	if len(p.slots) == 0 {
		if firstErr != nil {
			return nil, fmt.Errorf("no EL endpoints reachable: %w", firstErr)
		}
		return nil, errors.New("no EL endpoints configured")
	}
	return p, nil
}

// verifyChainID performs the §4.1 "on the first successful call to a fresh
// EL endpoint" check eagerly at construction time, since every endpoint a
// pool will ever use is known upfront.
func (p *ELPool) verifyChainID(ctx context.Context, slot *elSlot) {
	if p.cfg.ExpectedChainID == 0 {
		// No expectation configured: skip verification rather than false-flag.
		slot.health.markChainIDVerified()
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	id, err := slot.endpoint.ChainID(callCtx)
	if err != nil {
		log.Printf("[rpcpool/el] warn: chain id check failed for %s: %v", slot.endpoint.URL, err)
		return
	}
	if id != p.cfg.ExpectedChainID {
		mismatchErr := fmt.Errorf("chain id mismatch: endpoint %s reports %d, expected %d", slot.endpoint.URL, id, p.cfg.ExpectedChainID)
		slot.health.markChainIDMismatch(mismatchErr)
		log.Printf("[rpcpool/el] error: %v; endpoint marked permanently down", mismatchErr)
		return
	}
	slot.health.markChainIDVerified()
}

func (p *ELPool) snapshots() []snapshot {
	now := time.Now()
	out := make([]snapshot, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.health.snapshot(now)
	}
	return out
}

// call runs fn against a selected endpoint, falling back to a second
// endpoint at most once, per spec.md §4.1.
func (p *ELPool) call(ctx context.Context, method string, fn func(ctx context.Context, ep *elrpc.Endpoint) error) error {
	snaps := p.snapshots()
	first := pickBest(snaps, -1)
	if first == -1 {
		return rpcerr.Exhausted("all EL endpoints are down")
	}

	err := p.attempt(ctx, method, first, fn)
	if err == nil {
		return nil
	}
	if rpcerr.Is(err, rpcerr.KindPermanentData) {
		return err
	}

	// One fallback attempt on a different endpoint.
	snaps = p.snapshots()
	second := pickBest(snaps, first)
	if second == -1 {
		return rpcerr.Exhausted("all EL endpoints are down")
	}
	err2 := p.attempt(ctx, method, second, fn)
	if err2 == nil {
		return nil
	}
	return err2
}

func (p *ELPool) attempt(ctx context.Context, method string, idx int, fn func(ctx context.Context, ep *elrpc.Endpoint) error) error {
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

	p.stats.record(slot.endpoint.URL, method, latency, false)
	classified := classifyELError(err)
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

// classifyELError maps a raw transport/decoding error into the §7 taxonomy.
func classifyELError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return rpcerr.Transient(err)
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		switch {
		case code == -32005: // "limit exceeded" per common EL provider convention
			return rpcerr.Exhausted(err.Error())
		case code >= -32099 && code <= -32000:
			return rpcerr.Transient(err)
		default:
			return rpcerr.PermanentData(err)
		}
	}
	// Unrecognized shape: treat conservatively as transient so a single odd
	// response doesn't permanently blacklist an otherwise-healthy endpoint.
	return rpcerr.Transient(err)
}

// BlockNumber returns the EL's current chain tip.
func (p *ELPool) BlockNumber(ctx context.Context) (uint64, error) {
	var result uint64
	err := p.call(ctx, "eth_blockNumber", func(ctx context.Context, ep *elrpc.Endpoint) error {
		n, err := ep.BlockNumber(ctx)
		if err != nil {
			return err
		}
		result = n
		return nil
	})
	return result, err
}

// GetBlocksWithTransactions fetches numbers concurrently with bounded
// parallelism. Per-number failures do not fail the batch (§4.1); they are
// reported as missing keys, with a warning logged.
func (p *ELPool) GetBlocksWithTransactions(ctx context.Context, numbers []uint64, parallelism int) map[uint64]*types.Block {
	return fanOutEL(ctx, numbers, parallelism, func(n uint64) (*types.Block, error) {
		var blk *types.Block
		err := p.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, ep *elrpc.Endpoint) error {
			b, err := ep.BlockByNumber(ctx, n)
			if err != nil {
				return err
			}
			blk = b
			return nil
		})
		return blk, err
	})
}

// GetBlockReceipts fetches receipts for numbers concurrently with bounded
// parallelism, same missing-key semantics as GetBlocksWithTransactions.
func (p *ELPool) GetBlockReceipts(ctx context.Context, numbers []uint64, parallelism int) map[uint64][]*types.Receipt {
	return fanOutEL(ctx, numbers, parallelism, func(n uint64) ([]*types.Receipt, error) {
		var out []*types.Receipt
		err := p.call(ctx, "eth_getBlockReceipts", func(ctx context.Context, ep *elrpc.Endpoint) error {
			rs, err := ep.BlockReceipts(ctx, n)
			if err != nil {
				return err
			}
			out = rs
			return nil
		})
		return out, err
	})
}

// fanOutEL runs fetch(n) for each number with bounded parallelism, logging
// and skipping per-number failures instead of failing the whole call. The
// semaphore + WaitGroup shape mirrors the teacher's
// Service.fetchBatchParallel.
func fanOutEL[T any](ctx context.Context, numbers []uint64, parallelism int, fetch func(uint64) (T, error)) map[uint64]T {
	if parallelism <= 0 {
		parallelism = 8
	}
	results := make(map[uint64]T, len(numbers))
	if len(numbers) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, parallelism)

	for _, n := range numbers {
		n := n
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			v, err := fetch(n)
			if err != nil {
				log.Printf("[rpcpool/el] warn: fetch %d failed: %v", n, err)
				return
			}
			mu.Lock()
			results[n] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Close releases every endpoint connection.
func (p *ELPool) Close() {
	for _, s := range p.slots {
		s.endpoint.Close()
	}
}
