package client

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// maxRedraws bounds how many times Draw retries against its own
// history before giving up, per spec §4.3's wallet-side guard.
const maxRedraws = 100

// gcThreshold and gcKeep implement spec §4.3's "garbage-collects to
// the last 5,000 entries when exceeding 10,000" rule.
const (
	gcThreshold = 10000
	gcKeep      = 5000
)

// selfNonces is the client-side guard against accidentally signing the
// same nonce twice. It is a narrower concern than the facilitator's
// noncecache: it only ever sees nonces this process itself drew, and
// exists purely to catch a broken RNG or a bug that reuses state, not
// to enforce replay protection (that's the facilitator's job).
type selfNonces struct {
	seen  map[string]struct{}
	order []string
}

func newSelfNonces() *selfNonces {
	return &selfNonces{seen: make(map[string]struct{})}
}

// Draw generates a random 32-byte nonce, redrawing up to maxRedraws
// times if it collides with one this instance has already produced.
func (s *selfNonces) Draw() (string, error) {
	for attempt := 0; attempt < maxRedraws; attempt++ {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("selfnonce: read random bytes: %w", err)
		}
		nonce := "0x" + hex.EncodeToString(buf)
		if _, collided := s.seen[nonce]; !collided {
			s.record(nonce)
			return nonce, nil
		}
	}
	return "", fmt.Errorf("selfnonce: exhausted %d redraws without a fresh nonce", maxRedraws)
}

func (s *selfNonces) record(nonce string) {
	s.seen[nonce] = struct{}{}
	s.order = append(s.order, nonce)
	if len(s.seen) > gcThreshold {
		s.gc()
	}
}

func (s *selfNonces) gc() {
	keepFrom := len(s.order) - gcKeep
	if keepFrom < 0 {
		keepFrom = 0
	}
	kept := s.order[keepFrom:]
	newSeen := make(map[string]struct{}, len(kept))
	for _, n := range kept {
		newSeen[n] = struct{}{}
	}
	s.order = kept
	s.seen = newSeen
}
