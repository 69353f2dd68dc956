package mock

import (
	"context"
	"sync"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/queue"
)

var _ queue.Publisher = (*Publisher)(nil)

// Publisher is a test double for queue.Publisher.
type Publisher struct {
	mu sync.Mutex

	PublishFn func(ctx context.Context, req *domain.GenerateRequest) error

	// Published records every request handed to Publish.
	Published []*domain.GenerateRequest
}

func (m *Publisher) Publish(ctx context.Context, req *domain.GenerateRequest) error {
	m.mu.Lock()
	m.Published = append(m.Published, req)
	m.mu.Unlock()
	if m.PublishFn != nil {
		return m.PublishFn(ctx, req)
	}
	return nil
}

func (m *Publisher) Close() error { return nil }
