// Command bench_rpc drives the RPC Pool against configured endpoints and
// prints latency/health, useful for validating el_endpoints/cl_endpoints
// before running the full service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"flowscan-clone/internal/rpcpool"
)

func main() {
	ctx := context.Background()

	elURLs := splitEnv("EL_ENDPOINTS")
	clURLs := splitEnv("CL_ENDPOINTS")
	if len(elURLs) == 0 && len(clURLs) == 0 {
		log.Fatal("set EL_ENDPOINTS and/or CL_ENDPOINTS (comma-separated) to bench")
	}

	if len(elURLs) > 0 {
		benchEL(ctx, elURLs)
	}
	if len(clURLs) > 0 {
		benchCL(ctx, clURLs)
	}
}

func benchEL(ctx context.Context, urls []string) {
	fmt.Printf("\n========== EL pool (%d endpoints) ==========\n", len(urls))

	chainID, _ := strconv.ParseUint(os.Getenv("EXPECTED_CHAIN_ID"), 10, 64)
	pool, err := rpcpool.NewELPool(ctx, urls, rpcpool.ELPoolConfig{
		ExpectedChainID: chainID,
		Timeout:         10 * time.Second,
	})
	if err != nil {
		log.Printf("  FAIL: %v", err)
		return
	}
	defer pool.Close()

	t0 := time.Now()
	tip, err := pool.BlockNumber(ctx)
	if err != nil {
		fmt.Printf("  BlockNumber: FAIL (%v) [%v]\n", err, time.Since(t0))
		return
	}
	fmt.Printf("  BlockNumber: OK tip=%d [%v]\n", tip, time.Since(t0))

	numbers := make([]uint64, 0, 10)
	for n := tip - 9; n <= tip; n++ {
		numbers = append(numbers, n)
	}

	t0 = time.Now()
	blocks := pool.GetBlocksWithTransactions(ctx, numbers, 8)
	d1 := time.Since(t0)
	fmt.Printf("  GetBlocksWithTransactions(10 blocks, parallelism 8): OK got=%d/%d [%v] avg=%v\n",
		len(blocks), len(numbers), d1, d1/time.Duration(len(numbers)))

	t0 = time.Now()
	receipts := pool.GetBlockReceipts(ctx, numbers, 8)
	d2 := time.Since(t0)
	fmt.Printf("  GetBlockReceipts(10 blocks, parallelism 8): OK got=%d/%d [%v] avg=%v\n",
		len(receipts), len(numbers), d2, d2/time.Duration(len(numbers)))
}

func benchCL(ctx context.Context, urls []string) {
	fmt.Printf("\n========== CL pool (%d endpoints) ==========\n", len(urls))

	pool, err := rpcpool.NewCLPool(urls, rpcpool.CLPoolConfig{Timeout: 10 * time.Second})
	if err != nil {
		log.Printf("  FAIL: %v", err)
		return
	}

	t0 := time.Now()
	latest, err := pool.LatestMilestoneCount(ctx)
	if err != nil {
		fmt.Printf("  LatestMilestoneCount: FAIL (%v) [%v]\n", err, time.Since(t0))
		return
	}
	fmt.Printf("  LatestMilestoneCount: OK count=%d [%v]\n", latest, time.Since(t0))

	if latest == 0 {
		return
	}
	t0 = time.Now()
	m, err := pool.GetMilestone(ctx, latest)
	d := time.Since(t0)
	if err != nil {
		fmt.Printf("  GetMilestone(%d): FAIL (%v) [%v]\n", latest, err, d)
		return
	}
	fmt.Printf("  GetMilestone(%d): OK range=[%d,%d] proposer=%s [%v]\n",
		latest, m.StartBlock, m.EndBlock, m.Proposer, d)

	t0 = time.Now()
	for i := uint64(0); i < 5 && latest > i; i++ {
		if _, err := pool.GetMilestone(ctx, latest-i); err != nil {
			fmt.Printf("  Multi-milestone fetch: FAIL at seq %d: %v\n", latest-i, err)
			break
		}
	}
	d2 := time.Since(t0)
	fmt.Printf("  5 consecutive GetMilestone: [%v] avg=%v\n", d2, d2/5)
}

func splitEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
