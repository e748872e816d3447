// Package clrpc wraps a single checkpoint-layer (CL) REST endpoint: the
// milestone count and per-sequence-id milestone fetch described in
// spec.md §6. The HTTP transport uses retryablehttp so a single flaky
// connection inside the configured timeout doesn't immediately count as a
// pool-level failure — the same role hashicorp/go-retryablehttp plays for
// Bor's Heimdall client.
package clrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Endpoint is one CL REST connection.
type Endpoint struct {
	URL        string
	httpClient *http.Client
}

// Dial builds a CL REST endpoint bound to baseURL.
func Dial(baseURL string, timeout time.Duration) *Endpoint {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	return &Endpoint{
		URL:        strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

type milestoneCountResponse struct {
	Result struct {
		Count uint64 `json:"count"`
	} `json:"result"`
}

// LatestMilestoneCount returns the monotonic milestone sequence count.
func (e *Endpoint) LatestMilestoneCount(ctx context.Context) (uint64, error) {
	var out milestoneCountResponse
	if err := e.getJSON(ctx, e.URL+"/milestone/count", &out); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}

type milestoneResponse struct {
	Result struct {
		Proposer    string `json:"proposer"`
		StartBlock  uint64 `json:"start_block"`
		EndBlock    uint64 `json:"end_block"`
		Hash        string `json:"hash"`
		MilestoneID string `json:"milestone_id"`
		Timestamp   int64  `json:"timestamp"`
	} `json:"result"`
}

// Milestone is the checkpoint-layer view of one milestone, before it is
// mapped into models.Milestone (which additionally carries the caller-known
// sequence id).
type Milestone struct {
	Proposer   string
	StartBlock uint64
	EndBlock   uint64
	Hash       string
	Timestamp  time.Time
}

// GetMilestone fetches the milestone at the given sequence id.
func (e *Endpoint) GetMilestone(ctx context.Context, sequenceID uint64) (*Milestone, error) {
	var out milestoneResponse
	url := e.URL + "/milestone/" + strconv.FormatUint(sequenceID, 10)
	if err := e.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return &Milestone{
		Proposer:   out.Result.Proposer,
		StartBlock: out.Result.StartBlock,
		EndBlock:   out.Result.EndBlock,
		Hash:       out.Result.Hash,
		Timestamp:  time.Unix(out.Result.Timestamp, 0).UTC(),
	}, nil
}

func (e *Endpoint) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return &ServerError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("cl endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
