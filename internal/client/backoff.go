package client

import (
	"math/rand/v2"
	"time"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// backoff yields exponentially growing retry delays with up to 20% jitter.
type backoff struct {
	min     time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff {
	if minDelay <= 0 {
		minDelay = defaultMinBackoff
	}
	if maxDelay < minDelay {
		maxDelay = defaultMaxBackoff
		if maxDelay < minDelay {
			maxDelay = minDelay
		}
	}
	return &backoff{min: minDelay, max: maxDelay}
}

func (b *backoff) next() time.Duration {
	delay := b.min
	for i := 0; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempt++
	jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
	return delay - jitter
}

func (b *backoff) reset() {
	b.attempt = 0
}
