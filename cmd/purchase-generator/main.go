// Command purchase-generator drives synthetic box purchases against the API,
// re-sending a share of idempotency keys to exercise replays.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

func main() {
	// 1. Setting up flags
	targetURL := flag.String("target", "http://localhost:8080", "Base URL of the mystery box API")
	boxID := flag.String("box", "gold", "Box to purchase")
	accounts := flag.String("accounts", "acc-1,acc-2,acc-3", "Comma-separated accounts to buy for")
	secret := flag.String("jwt-secret", "", "HS256 secret shared with the API")
	rps := flag.Int("rps", 20, "Requests per second")
	replayRatio := flag.Float64("replay-ratio", 0.1, "Share of requests that re-send an earlier idempotency key")
	flag.Parse()

	if *secret == "" || *rps <= 0 {
		log.Fatal("--jwt-secret is required and --rps must be positive")
	}

	gen, err := newGenerator(*targetURL, *boxID, strings.Split(*accounts, ","), []byte(*secret), *replayRatio)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Printf("Starting generator: target=%s, box=%s, accounts=%d, rps=%d, replay=%.2f\n",
		*targetURL, *boxID, len(gen.tokens), *rps, *replayRatio)

	// 2. Managing the request frequency via ticker
	ticker := time.NewTicker(time.Second / time.Duration(*rps))
	defer ticker.Stop()
	report := time.NewTicker(10 * time.Second)
	defer report.Stop()

	// 3. Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// 4. Main loop
	for {
		select {
		case <-ticker.C:
			req := gen.next(rng)
			// Start sending in a goroutine so as not to block the ticker
			go gen.send(ctx, req)
		case <-report.C:
			log.Printf("INFO: %s", gen.stats.String())
		case <-ctx.Done():
			log.Printf("Shutting down generator... %s", gen.stats.String())
			return
		}
	}
}

type stats struct {
	sent, ok, replayed, rejected, failed atomic.Int64
}

func (s *stats) record(status int, replayed bool, err error) {
	s.sent.Add(1)
	switch {
	case err != nil:
		s.failed.Add(1)
	case status == http.StatusOK && replayed:
		s.replayed.Add(1)
	case status == http.StatusOK:
		s.ok.Add(1)
	default:
		s.rejected.Add(1)
	}
}
