package keypool

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Eligible reports whether a triple may be selected right now:
// administratively active, circuit state in {CLOSED, HALF_OPEN}, and not
// still inside its configured cooldown window since last use.
func Eligible(t Triple, now time.Time) bool {
	if !t.Record.Active {
		return false
	}
	if t.Circuit.State != CircuitClosed && t.Circuit.State != CircuitHalfOpen {
		return false
	}
	if t.Record.Cooldown > 0 && !t.Record.LastUsedAt.IsZero() {
		if now.Sub(t.Record.LastUsedAt) < t.Record.Cooldown {
			return false
		}
	}
	return true
}

// Select draws one candidate from the eligible subset of triples, weighted
// by each candidate's configured integer weight. Returns false if no
// candidate is eligible. Randomness comes from crypto/rand.
func Select(triples []Triple, now time.Time) (Triple, bool) {
	type weighted struct {
		triple Triple
		weight int
	}

	var pool []weighted
	total := 0
	for _, t := range triples {
		if !Eligible(t, now) {
			continue
		}
		w := t.Record.Weight
		if w < 1 {
			w = 1
		}
		pool = append(pool, weighted{triple: t, weight: w})
		total += w
	}

	if total == 0 {
		return Triple{}, false
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		// crypto/rand failure is not recoverable in-process; fall back to
		// the first eligible candidate rather than panicking mid-request.
		return pool[0].triple, true
	}

	draw := n.Int64()
	var cursor int64
	for _, w := range pool {
		cursor += int64(w.weight)
		if draw < cursor {
			return w.triple, true
		}
	}
	return pool[len(pool)-1].triple, true
}
