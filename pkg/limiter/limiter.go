// Package limiter enforces a tokens-per-minute budget on LLM traffic with
// a token bucket refilled by wall clock. The guard wraps any llm.LLMClient;
// a zero budget disables limiting entirely.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/logx"
)

// ErrRateLimit is returned when a reservation exceeds the remaining
// minute budget.
var ErrRateLimit = errors.New("rate limit exceeded")

// retryInterval is how long a blocked caller sleeps between reservation
// attempts while waiting for the bucket to refill.
const retryInterval = 250 * time.Millisecond

// Bucket is a tokens-per-minute budget. Reservations draw the budget
// down; each elapsed minute refills it back to capacity.
type Bucket struct {
	lastRefill time.Time
	capacity   int
	remaining  int
	mu         sync.Mutex
}

// NewBucket creates a full bucket with the given per-minute capacity.
func NewBucket(tokensPerMinute int) *Bucket {
	return &Bucket{
		capacity:   tokensPerMinute,
		remaining:  tokensPerMinute,
		lastRefill: time.Now(),
	}
}

// Reserve draws tokens from the budget. A reservation larger than the
// bucket's total capacity can never succeed and fails immediately; a
// reservation that merely exceeds the current remainder fails with
// ErrRateLimit and may succeed after a refill.
func (b *Bucket) Reserve(tokens int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tokens > b.capacity {
		return fmt.Errorf("reservation of %d tokens exceeds bucket capacity %d", tokens, b.capacity)
	}

	b.refill()
	if b.remaining < tokens {
		return ErrRateLimit
	}
	b.remaining -= tokens
	return nil
}

// Drain draws tokens without a floor, used to reconcile an estimate with
// the provider's actual usage after the fact. The remainder is clamped at
// zero.
func (b *Bucket) Drain(tokens int) {
	if tokens <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.remaining -= tokens
	if b.remaining < 0 {
		b.remaining = 0
	}
}

// Remaining reports the current budget after applying any due refill.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.remaining
}

// refill resets the budget for each whole minute elapsed. Called with
// b.mu held.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < time.Minute {
		return
	}

	// Any whole elapsed minute restores the full budget; partial minutes
	// carry over to the next check.
	minutes := int(elapsed / time.Minute)
	b.remaining = b.capacity
	b.lastRefill = b.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// Guard wraps an LLM client with a shared token bucket. Calls that would
// overdraw the minute budget wait for a refill instead of failing, up to
// the caller's context deadline.
type Guard struct {
	inner  llm.LLMClient
	bucket *Bucket
	logger *logx.Logger
}

// Wrap guards a client with a tokens-per-minute budget. A non-positive
// budget returns the client unwrapped.
func Wrap(client llm.LLMClient, tokensPerMinute int) llm.LLMClient {
	if tokensPerMinute <= 0 {
		return client
	}
	return &Guard{
		inner:  client,
		bucket: NewBucket(tokensPerMinute),
		logger: logx.NewLogger("limiter"),
	}
}

// Complete reserves the estimated token cost, blocks through refills when
// the budget is short, and reconciles the reservation against the
// provider's reported usage afterwards.
func (g *Guard) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	estimate := estimateTokens(in)

	if err := g.reserve(ctx, estimate); err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := g.inner.Complete(ctx, in)
	if err != nil {
		return resp, err
	}

	if actual := int(resp.Usage.TotalTokens); actual > estimate {
		g.bucket.Drain(actual - estimate)
	}
	return resp, nil
}

// GetModelName returns the wrapped client's model identifier.
func (g *Guard) GetModelName() string {
	return g.inner.GetModelName()
}

// reserve retries the reservation through refills until it succeeds, the
// context ends, or the reservation turns out to be impossible.
func (g *Guard) reserve(ctx context.Context, tokens int) error {
	warned := false
	for {
		err := g.bucket.Reserve(tokens)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRateLimit) {
			return err
		}
		if !warned {
			g.logger.Warn("⚠️ %s over its token budget, waiting for refill (%d tokens requested)", g.inner.GetModelName(), tokens)
			warned = true
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// estimateTokens approximates a request's cost: a chars/4 estimate of the
// prompt plus the full reply budget. The post-call reconciliation corrects
// any undercount.
func estimateTokens(in llm.CompletionRequest) int {
	chars := 0
	for i := range in.Messages {
		chars += len(in.Messages[i].Role) + len(in.Messages[i].Content)
	}
	estimate := chars/4 + in.MaxTokens
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}
