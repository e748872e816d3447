// Command reset_checkpoint clears a stream's coverage row for disaster
// recovery: GapAnalyzer re-initializes it from table_stats on its next
// cycle and re-derives the water-marks from scratch.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"flowscan-clone/internal/models"
	"flowscan-clone/internal/store"
)

func main() {
	stream := flag.String("stream", "", "stream to reset: blocks or milestones")
	flag.Parse()

	switch *stream {
	case models.StreamBlocks, models.StreamMilestones:
	default:
		log.Fatalf("invalid -stream %q: must be %q or %q", *stream, models.StreamBlocks, models.StreamMilestones)
	}

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}

	ctx := context.Background()
	st, err := store.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("connect to store: %v", err)
	}
	defer st.Close()

	tag, err := st.Pool().Exec(ctx, `DELETE FROM app.data_coverage WHERE stream = $1`, *stream)
	if err != nil {
		log.Fatalf("delete coverage row: %v", err)
	}

	if tag.RowsAffected() == 0 {
		fmt.Printf("No coverage row found for stream %q; it may already be reset.\n", *stream)
	} else {
		fmt.Printf("Reset coverage for stream %q; gap_analyzer will re-initialize it from table_stats next cycle.\n", *stream)
	}
}
