package source

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Throttle spaces requests per source. Each source gets a limiter of one
// token per MinDelay with a burst of one, so no two calls (retries
// included) are closer than the declared delay.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates an empty throttle.
func NewThrottle() *Throttle {
	return &Throttle{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the source may issue its next request.
func (t *Throttle) Wait(ctx context.Context, d Descriptor) error {
	l := t.limiter(d)
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return eris.Wrapf(err, "throttle: wait for %s", d.Name)
	}
	return nil
}

func (t *Throttle) limiter(d Descriptor) *rate.Limiter {
	if d.MinDelay <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[d.Name]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.MinDelay), 1)
		t.limiters[d.Name] = l
	}
	return l
}
