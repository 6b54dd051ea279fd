package domain

import (
	"crypto/rand"
	"encoding/base64"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// IDSource mints identifiers and opaque session tokens.
type IDSource interface {
	NewID() string
	NewToken() (string, error)
}

// ULIDSource mints lexicographically sortable ids with monotonic entropy.
// Safe for concurrent use.
type ULIDSource struct {
	mu      sync.Mutex
	clock   Clock
	entropy *ulid.MonotonicEntropy
}

// NewULIDSource seeds a monotonic entropy source from clock.
func NewULIDSource(clock Clock) *ULIDSource {
	return &ULIDSource{
		clock:   clock,
		entropy: ulid.Monotonic(mrand.New(mrand.NewSource(clock.Now().UnixNano())), 0),
	}
}

func (s *ULIDSource) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		// Monotonic overflow within the same millisecond. Reseed and retry.
		s.entropy = ulid.Monotonic(mrand.New(mrand.NewSource(now.UnixNano())), math.MaxUint32)
		id = ulid.MustNew(ulid.Timestamp(now), s.entropy)
	}
	return id.String()
}

// NewToken returns a 256-bit opaque token. Tokens carry no embedded claims;
// everything about a session lives server side.
func (s *ULIDSource) NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", NewDomainError("ids.new_token", ErrInternal, "entropy source failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
