package backlog

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// backoffPolicy shapes the retry delay curve: exponential growth from
// Base, capped at Max, plus deterministic jitter up to MaxJitter.
type backoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// delay returns the wait before the next attempt of a backlog row.
// Jitter is a PRF of the row identity and attempt index, so every
// replica computes the same schedule and the row is retried exactly
// when due regardless of which worker picks it up.
func (p backoffPolicy) delay(projectID, environmentID string, id int64, attempts int) time.Duration {
	factor := int64(1)
	if attempts > 0 {
		if attempts > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempts
		}
	}
	d := time.Duration(factor) * p.Base
	if d > p.Max || d < 0 {
		d = p.Max
	}
	return d + p.jitter(projectID, environmentID, id, attempts)
}

func (p backoffPolicy) jitter(projectID, environmentID string, id int64, attempts int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d:%d", projectID, environmentID, id, attempts)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
