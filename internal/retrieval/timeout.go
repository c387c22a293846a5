package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// timeoutClient bounds each search and reports overruns as RetrievalTimeoutError.
type timeoutClient struct {
	next    core.RetrievalClient
	timeout time.Duration
}

// WithTimeout wraps client so each Search fails with *core.RetrievalTimeoutError
// after d. A non-positive d returns client unchanged.
func WithTimeout(client core.RetrievalClient, d time.Duration) core.RetrievalClient {
	if d <= 0 || client == nil {
		return client
	}
	return &timeoutClient{next: client, timeout: d}
}

func (c *timeoutClient) Search(ctx context.Context, collection, query string, threshold float64) ([]core.RetrievedPassage, error) {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		passages []core.RetrievedPassage
		err      error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.next.Search(tctx, collection, query, threshold)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &core.RetrievalTimeoutError{Collection: collection, Timeout: c.timeout}
		}
		return r.passages, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.RetrievalTimeoutError{Collection: collection, Timeout: c.timeout}
	}
}

// Limit truncates ranked passages to the best k. k <= 0 keeps all.
func Limit(passages []core.RetrievedPassage, k int) []core.RetrievedPassage {
	if k <= 0 || len(passages) <= k {
		return passages
	}
	return passages[:k]
}
