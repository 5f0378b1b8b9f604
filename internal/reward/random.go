package reward

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// float53 is 2^53, the number of distinct evenly spaced float64 values in [0,1).
var float53 = big.NewInt(1 << 53)

// RandomSource yields uniform values in [0,1).
type RandomSource interface {
	Float64() (float64, error)
}

// CryptoSource draws from crypto/rand. It is the only source used outside tests.
type CryptoSource struct{}

// NewCryptoSource returns the CSPRNG-backed source.
func NewCryptoSource() CryptoSource {
	return CryptoSource{}
}

// Float64 returns k/2^53 for a uniformly drawn k in [0, 2^53).
func (CryptoSource) Float64() (float64, error) {
	v, err := rand.Int(rand.Reader, float53)
	if err != nil {
		return 0, fmt.Errorf("read crypto random: %w", err)
	}
	return float64(v.Int64()) / (1 << 53), nil
}

// FixedSource replays a fixed sequence of draws, cycling when exhausted.
// Used to make resolver outcomes deterministic. Not safe for concurrent use.
type FixedSource struct {
	values []float64
	next   int
}

// NewFixedSource returns a source that yields values in order.
func NewFixedSource(values ...float64) *FixedSource {
	return &FixedSource{values: values}
}

func (s *FixedSource) Float64() (float64, error) {
	if len(s.values) == 0 {
		return 0, fmt.Errorf("fixed source has no values")
	}
	v := s.values[s.next%len(s.values)]
	s.next++
	return v, nil
}
