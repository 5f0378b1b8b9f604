package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	httphandler "mystery-box-service/internal/adapters/http"
)

// recentKeys bounds how many issued keys are kept as replay candidates.
const recentKeys = 256

type purchaseCall struct {
	accountID string
	key       string
	replay    bool
}

type generator struct {
	client      *http.Client
	endpoint    string
	tokens      map[string]string
	accounts    []string
	replayRatio float64

	mu     sync.Mutex
	recent []purchaseCall

	stats stats
}

func newGenerator(baseURL, boxID string, accounts []string, secret []byte, replayRatio float64) (*generator, error) {
	if replayRatio < 0 || replayRatio > 1 {
		return nil, fmt.Errorf("replay ratio %v outside [0,1]", replayRatio)
	}
	endpoint, err := url.JoinPath(baseURL, "api/v1/boxes", boxID, "purchase")
	if err != nil {
		return nil, fmt.Errorf("build endpoint: %w", err)
	}

	g := &generator{
		client:      &http.Client{Timeout: 5 * time.Second},
		endpoint:    endpoint,
		tokens:      make(map[string]string, len(accounts)),
		replayRatio: replayRatio,
	}
	for _, acc := range accounts {
		acc = strings.TrimSpace(acc)
		if acc == "" {
			continue
		}
		token, err := signToken(secret, acc, time.Now())
		if err != nil {
			return nil, err
		}
		g.tokens[acc] = token
		g.accounts = append(g.accounts, acc)
	}
	if len(g.accounts) == 0 {
		return nil, errors.New("no accounts given")
	}
	return g, nil
}

// signToken issues the HS256 bearer token the API expects, acting for accountID.
func signToken(secret []byte, accountID string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  accountID,
		"name": faker.Name(),
		"iat":  now.Unix(),
		"exp":  now.Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", accountID, err)
	}
	return signed, nil
}

// next picks the following call: a replay of a recent key with probability
// replayRatio, otherwise a fresh key for a random account.
func (g *generator) next(rng *rand.Rand) purchaseCall {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.recent) > 0 && rng.Float64() < g.replayRatio {
		call := g.recent[rng.Intn(len(g.recent))]
		call.replay = true
		return call
	}

	call := purchaseCall{
		accountID: g.accounts[rng.Intn(len(g.accounts))],
		key:       uuid.NewString(),
	}
	if len(g.recent) < recentKeys {
		g.recent = append(g.recent, call)
	} else {
		g.recent[rng.Intn(recentKeys)] = call
	}
	return call
}

func (g *generator) send(ctx context.Context, call purchaseCall) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, nil)
	if err != nil {
		g.stats.record(0, false, err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+g.tokens[call.accountID])
	req.Header.Set(httphandler.IdempotencyKeyHeader, call.key)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("ERROR: failed to send request: %v", err)
		}
		g.stats.record(0, false, err)
		return
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body : %v", err)
		}
	}()

	replayed := resp.Header.Get("Idempotent-Replayed") == "true"
	g.stats.record(resp.StatusCode, replayed, nil)
	if resp.StatusCode != http.StatusOK {
		log.Printf("WARN: account=%s key=%s status=%d", call.accountID, call.key, resp.StatusCode)
	} else if call.replay != replayed {
		log.Printf("WARN: account=%s key=%s replay mismatch: sent as replay=%t, answered replayed=%t",
			call.accountID, call.key, call.replay, replayed)
	}
}

func (s *stats) String() string {
	return fmt.Sprintf("sent=%d ok=%d replayed=%d rejected=%d failed=%d",
		s.sent.Load(), s.ok.Load(), s.replayed.Load(), s.rejected.Load(), s.failed.Load())
}
