package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidelake/testreport/internal/domain"
	"github.com/tidelake/testreport/internal/metrics"
	"github.com/tidelake/testreport/internal/usecase"
)

// WorkerPool manages a fixed-size pool of goroutines that process generate
// requests from the queue.
type WorkerPool struct {
	size       int
	messages   <-chan *domain.ReportMessage
	generateUC *usecase.GenerateReportUsecase
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWorkerPool creates a new fixed-size worker pool.
func NewWorkerPool(size int, messages <-chan *domain.ReportMessage, generateUC *usecase.GenerateReportUsecase, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:       size,
		messages:   messages,
		generateUC: generateUC,
		logger:     logger,
	}
}

// Start launches all worker goroutines. Call Stop to wait for them to finish.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("pool_size", p.size))

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop waits for all workers to finish their in-flight requests and exit.
func (p *WorkerPool) Stop() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic recovered",
				zap.Int("worker_id", id),
				zap.Any("panic", r),
			)
		}
	}()

	p.logger.Debug("Worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Worker shutting down", zap.Int("worker_id", id))
			return
		case msg, ok := <-p.messages:
			if !ok {
				p.logger.Debug("Message channel closed", zap.Int("worker_id", id))
				return
			}

			req := msg.Request

			p.logger.Info("Worker processing generate request",
				zap.Int("worker_id", id),
				zap.String("key", req.Key),
				zap.String("run_id", req.RunID),
			)

			metrics.WorkersActive.Inc()
			startTime := time.Now()

			outcome, err := p.generateUC.Execute(ctx, req)

			metrics.WorkersActive.Dec()

			if err != nil {
				p.logger.Error("Report generation failed",
					zap.Int("worker_id", id),
					zap.String("key", req.Key),
					zap.String("run_id", req.RunID),
					zap.Error(err),
				)

				// Nack without requeue: failed requests go to the DLQ.
				// Requeuing a deterministic failure would loop forever; a
				// later run retries the aggregation anyway.
				if nackErr := msg.Nack(false); nackErr != nil {
					p.logger.Error("Failed to NACK message",
						zap.String("key", req.Key),
						zap.Error(nackErr),
					)
				}
				continue
			}

			// Skips are settled like successes: the shards stay stored and a
			// future run's merge will pick them up.
			if ackErr := msg.Ack(); ackErr != nil {
				p.logger.Error("Failed to ACK message",
					zap.String("key", req.Key),
					zap.Error(ackErr),
				)
			}

			p.logger.Info("Generate request settled",
				zap.Int("worker_id", id),
				zap.String("key", req.Key),
				zap.String("status", string(outcome.Status)),
				zap.Duration("elapsed", time.Since(startTime)),
			)
		}
	}
}
