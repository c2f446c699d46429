package collab

import (
	"sync"
	"time"
)

// pendingSave is the debounce state of one document. Every mutation pushes the
// deadline out by delay, but never past maxWait after the first unsaved mutation.
type pendingSave struct {
	mu      sync.Mutex
	delay   time.Duration
	maxWait time.Duration
	clock   func() time.Time
	fire    func()

	timer   *time.Timer
	dirty   bool
	firstAt time.Time
	stopped bool
}

func newPendingSave(delay, maxWait time.Duration, clock func() time.Time, fire func()) *pendingSave {
	if maxWait < delay {
		maxWait = delay
	}
	return &pendingSave{delay: delay, maxWait: maxWait, clock: clock, fire: fire}
}

// touch records a mutation and resets the timer.
func (p *pendingSave) touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	now := p.clock()
	if !p.dirty {
		p.dirty = true
		p.firstAt = now
	}
	wait := p.delay
	if remaining := p.maxWait - now.Sub(p.firstAt); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	p.resetLocked(wait)
}

// take clears the dirty flag for a save that is about to run. It reports false
// when there is nothing to write.
func (p *pendingSave) take() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !p.dirty {
		return false
	}
	p.dirty = false
	p.firstAt = time.Time{}
	return true
}

// retry marks the document dirty again after a failed write and schedules the
// next attempt one debounce period out.
func (p *pendingSave) retry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.dirty = true
		return
	}
	if !p.dirty {
		p.dirty = true
		p.firstAt = p.clock()
	}
	p.resetLocked(p.delay)
}

func (p *pendingSave) isDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// stop cancels the timer for good; an explicit flush may still run.
func (p *pendingSave) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *pendingSave) resetLocked(wait time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(wait, p.fire)
}
