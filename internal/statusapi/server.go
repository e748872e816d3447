// Package statusapi exposes the read-only status endpoint described in
// §6: the Worker Status Registry, block and milestone table stats with their
// latest points, and priority-fee sweep progress, consumed by the UI.
// Coverage water-marks and gap counts are not reported. Route setup, the JSON envelope and middleware mirror
// the teacher's internal/api server, scoped down to the one status surface
// this spec requires.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"flowscan-clone/internal/coverage"
	"flowscan-clone/internal/models"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"

	"github.com/gorilla/mux"
)

// Server serves GET /status and GET /healthz.
type Server struct {
	registry   *status.Registry
	store      *store.Store
	coverage   *coverage.Store
	httpServer *http.Server
}

// New builds the status HTTP server bound to addr (e.g. ":8080").
func New(addr string, registry *status.Registry, st *store.Store, cov *coverage.Store) *Server {
	r := mux.NewRouter()
	s := &Server{registry: registry, store: st, coverage: cov}

	r.Use(commonMiddleware)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// workerStatusPayload is the per-worker shape of §6's `workerStatuses` array.
type workerStatusPayload struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	LastRunAt      time.Time `json:"last_run_at"`
	LastErrorAt    time.Time `json:"last_error_at"`
	LastError      string    `json:"last_error"`
	ItemsProcessed uint64    `json:"items_processed"`
}

type latestBlockPayload struct {
	Number     uint64    `json:"number"`
	Timestamp  time.Time `json:"timestamp"`
	AgeSeconds float64   `json:"age_seconds"`
}

type blocksPayload struct {
	Min          uint64              `json:"min"`
	Max          uint64              `json:"max"`
	Total        uint64              `json:"total"`
	Finalized    uint64              `json:"finalized"`
	MinFinalized *uint64             `json:"min_finalized"`
	MaxFinalized *uint64             `json:"max_finalized"`
	Latest       *latestBlockPayload `json:"latest"`
}

type latestMilestonePayload struct {
	SequenceID uint64    `json:"sequence_id"`
	EndBlock   uint64    `json:"end_block"`
	Timestamp  time.Time `json:"timestamp"`
	AgeSeconds float64   `json:"age_seconds"`
}

type milestonesPayload struct {
	MinSeq uint64                  `json:"min_seq"`
	MaxSeq uint64                  `json:"max_seq"`
	Total  uint64                  `json:"total"`
	Latest *latestMilestonePayload `json:"latest"`
}

// priorityFeeBackfillPayload reports PriorityFeeRecomputer's backward sweep
// from fix_deployed_at_block toward the earliest stored block.
type priorityFeeBackfillPayload struct {
	Cursor          uint64 `json:"cursor"`
	MinBlock        uint64 `json:"min_block"`
	MaxBlock        uint64 `json:"max_block"`
	ProcessedBlocks uint64 `json:"processed_blocks"`
	TotalBlocks     uint64 `json:"total_blocks"`
	IsComplete      bool   `json:"is_complete"`
}

type statusPayload struct {
	WorkersRunning      bool                        `json:"workersRunning"`
	WorkerStatuses      []workerStatusPayload       `json:"workerStatuses"`
	Blocks              blocksPayload               `json:"blocks"`
	Milestones          milestonesPayload           `json:"milestones"`
	PriorityFeeBackfill *priorityFeeBackfillPayload `json:"priorityFeeBackfill"`
	Timestamp           time.Time                   `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	blockStats, err := s.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	milestoneStats, err := s.store.GetTableStats(ctx, models.TableMilestones)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	blocks := blocksPayload{
		Min:          blockStats.MinValue,
		Max:          blockStats.MaxValue,
		Total:        blockStats.TotalCount,
		Finalized:    blockStats.FinalizedCount,
		MinFinalized: blockStats.MinFinalized,
		MaxFinalized: blockStats.MaxFinalized,
	}
	if blockStats.TotalCount > 0 {
		if ts, ok, err := s.store.GetBlockTimestamp(ctx, blockStats.MaxValue); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		} else if ok {
			blocks.Latest = &latestBlockPayload{
				Number:     blockStats.MaxValue,
				Timestamp:  ts,
				AgeSeconds: now.Sub(ts).Seconds(),
			}
		}
	}

	milestones := milestonesPayload{
		MinSeq: milestoneStats.MinValue,
		MaxSeq: milestoneStats.MaxValue,
		Total:  milestoneStats.TotalCount,
	}
	if milestoneStats.TotalCount > 0 {
		if m, ok, err := s.store.GetLatestMilestone(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		} else if ok {
			milestones.Latest = &latestMilestonePayload{
				SequenceID: m.SequenceID,
				EndBlock:   m.EndBlock,
				Timestamp:  m.Timestamp,
				AgeSeconds: now.Sub(m.Timestamp).Seconds(),
			}
		}
	}

	var feeBackfill *priorityFeeBackfillPayload
	if fixStatus, ok, err := s.store.GetPriorityFeeFixStatus(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if ok {
		minBlock := blockStats.MinValue
		total := uint64(0)
		if fixStatus.FixDeployedAtBlock > minBlock {
			total = fixStatus.FixDeployedAtBlock - minBlock
		}
		processed := uint64(0)
		if fixStatus.FixDeployedAtBlock > fixStatus.LastFixedBlock {
			processed = fixStatus.FixDeployedAtBlock - fixStatus.LastFixedBlock
		}
		feeBackfill = &priorityFeeBackfillPayload{
			Cursor:          fixStatus.LastFixedBlock,
			MinBlock:        minBlock,
			MaxBlock:        fixStatus.FixDeployedAtBlock,
			ProcessedBlocks: processed,
			TotalBlocks:     total,
			IsComplete:      fixStatus.LastFixedBlock <= minBlock,
		}
	}

	statuses := s.registry.Snapshot()
	workers := make([]workerStatusPayload, 0, len(statuses))
	running := false
	for _, st := range statuses {
		workers = append(workers, workerStatusPayload{
			Name:           st.Name,
			State:          st.State,
			LastRunAt:      st.LastRunAt,
			LastErrorAt:    st.LastErrorAt,
			LastError:      st.LastError,
			ItemsProcessed: st.ItemsProcessed,
		})
		if st.State == models.WorkerStateRunning || st.State == models.WorkerStateIdle {
			running = true
		}
	}

	payload := statusPayload{
		WorkersRunning:      running,
		WorkerStatuses:      workers,
		Blocks:              blocks,
		Milestones:          milestones,
		PriorityFeeBackfill: feeBackfill,
		Timestamp:           now,
	}
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
