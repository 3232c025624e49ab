package sharing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"
)

// ChallengeSize is the length of a handshake challenge
const ChallengeSize = 16

// NewChallenge returns fresh random challenge bytes
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Sign computes HMAC-SHA256 of challenge keyed by the raw master key
func Sign(key, challenge []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// Verify reports whether signature is Sign(key, challenge). The comparison
// is constant time.
func Verify(key, challenge, signature []byte) bool {
	return hmac.Equal(Sign(key, challenge), signature)
}

// Clock abstracts time for testability
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// ChallengeCache remembers recently accepted challenges so that a captured
// verification cannot be replayed. Expired entries are evicted inline during
// Record. A ChallengeCache may be shared by many Sharers.
type ChallengeCache struct {
	mu      sync.Mutex
	entries map[[ChallengeSize]byte]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewChallengeCache creates a cache holding challenges for ttl. A nil clock
// uses wall time.
func NewChallengeCache(ttl time.Duration, clock Clock) *ChallengeCache {
	if clock == nil {
		clock = realClock{}
	}
	return &ChallengeCache{
		entries: make(map[[ChallengeSize]byte]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Record stores challenge and returns true if it was fresh. It returns false
// for a replay, a zero challenge or a challenge of the wrong size.
func (c *ChallengeCache) Record(challenge []byte) bool {
	if len(challenge) != ChallengeSize {
		return false
	}
	var k [ChallengeSize]byte
	copy(k[:], challenge)
	if k == ([ChallengeSize]byte{}) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanup()

	if _, seen := c.entries[k]; seen {
		return false
	}
	c.entries[k] = c.clock.Now()
	return true
}

// Len returns the number of remembered challenges
func (c *ChallengeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cleanup evicts expired entries. Must be called with mu held.
func (c *ChallengeCache) cleanup() {
	cutoff := c.clock.Now().Add(-c.ttl)
	for k, v := range c.entries {
		if v.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
