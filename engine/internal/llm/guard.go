package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the guard is cooling down.
var ErrCircuitOpen = errors.New("llm circuit open")

// Guard stops calling a failing backend for a cooldown period after
// maxFailures consecutive failures. Safe for concurrent use.
type Guard struct {
	mu            sync.Mutex
	maxFailures   int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

func NewGuard(maxFailures int, cooldown time.Duration) *Guard {
	return &Guard{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

func (g *Guard) Allow() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabledUntil.IsZero() {
		return true
	}
	return g.now().After(g.disabledUntil)
}

func (g *Guard) RecordFailure() {
	if g == nil || g.maxFailures <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= g.maxFailures {
		g.disabledUntil = g.now().Add(g.cooldown)
	}
}

func (g *Guard) RecordSuccess() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.disabledUntil = time.Time{}
}

func (g *Guard) DisabledUntil() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil
}

// GuardedClient short-circuits calls while its guard is open.
type GuardedClient struct {
	Client
	guard *Guard
}

func WithGuard(c Client, g *Guard) *GuardedClient {
	return &GuardedClient{Client: c, guard: g}
}

func (c *GuardedClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if !c.guard.Allow() {
		return ChatResponse{}, fmt.Errorf("%w until %s", ErrCircuitOpen, c.guard.DisabledUntil().Format(time.RFC3339))
	}
	resp, err := c.Client.Chat(ctx, req)
	if err != nil {
		// Caller cancellation says nothing about backend health.
		if ctx.Err() == nil {
			c.guard.RecordFailure()
		}
		return resp, err
	}
	c.guard.RecordSuccess()
	return resp, nil
}
