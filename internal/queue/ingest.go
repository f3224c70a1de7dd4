package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/metrics"
	"github.com/smukkama/bite-anomaly/internal/protocol"
	"github.com/smukkama/bite-anomaly/internal/scoring"
)

// Failure reasons used as the "reason" label of IngestFailures
const (
	reasonDecode  = "decode"
	reasonRegion  = "region_not_found"
	reasonStorage = "storage"
)

const maxStorageAttempts = 3

var retryBackoff = 200 * time.Millisecond

// MessageSource is the consuming side of a topic
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// MetricCreator stores and scores one observation
type MetricCreator interface {
	Create(ctx context.Context, regionCode string, date time.Time, value float64) (*database.Metric, error)
}

// IngestWorker consumes metric messages and hands them to the scorer in
// batches. Rows that can never succeed are logged and committed so they do
// not block the partition. A storage failure stalls the worker: nothing from
// that row on is committed, and the rest of the batch is retried on the next
// tick while consumption is paused.
type IngestWorker struct {
	source        MessageSource
	creator       MetricCreator
	batchSize     int
	flushInterval time.Duration
	log           *logger.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

func NewIngestWorker(source MessageSource, creator MetricCreator, batchSize int, flushInterval time.Duration, log *logger.Logger) *IngestWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &IngestWorker{
		source:        source,
		creator:       creator,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log.With("component", "ingest"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming until Stop is called or ctx is done
func (w *IngestWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop flushes the pending batch and waits for the worker to exit
func (w *IngestWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *IngestWorker) run(ctx context.Context) {
	defer w.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, w.batchSize)
	go func() {
		for {
			msg, err := w.source.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("consumer error", "error", err)
				continue
			}
			select {
			case msgChan <- msg:
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	stalled := false
	for {
		in := msgChan
		if stalled {
			in = nil
		}

		select {
		case <-w.stopCh:
			if rest := w.flush(ctx, batch); len(rest) > 0 {
				w.log.Warn("leaving messages uncommitted for redelivery", "messages", len(rest))
			}
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if len(batch) > 0 {
				batch = w.flush(ctx, batch)
				stalled = len(batch) > 0
			}

		case msg := <-in:
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				batch = w.flush(ctx, batch)
				stalled = len(batch) > 0
			}
		}
	}
}

// flush processes the batch in order and commits every message handled for
// good. It stops at the first storage failure and returns the messages from
// that one on, which stay uncommitted.
func (w *IngestWorker) flush(ctx context.Context, batch []kafka.Message) []kafka.Message {
	if len(batch) == 0 {
		return nil
	}

	failed := 0
	done := len(batch)
	for i, msg := range batch {
		reason, err := w.processWithRetry(ctx, msg)
		if err == nil {
			continue
		}
		metrics.IngestFailures.WithLabelValues(reason).Inc()
		if reason == reasonStorage {
			w.log.Error("storage unavailable, retrying from message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			done = i
			break
		}
		w.log.Warn("failed to ingest message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"reason", reason,
			"error", err)
		failed++
	}

	if done > 0 {
		if err := w.source.Commit(ctx, batch[:done]...); err != nil {
			w.log.Error("failed to commit offsets", "error", err)
		}
	}
	w.log.Debug("flushed batch", "messages", done, "failed", failed, "pending", len(batch)-done)
	return batch[done:]
}

// processWithRetry retries storage failures, which are usually transient;
// malformed rows and unknown regions fail at once
func (w *IngestWorker) processWithRetry(ctx context.Context, msg kafka.Message) (string, error) {
	backoff := retryBackoff
	for attempt := 1; ; attempt++ {
		reason, err := w.process(ctx, msg)
		if err == nil || reason != reasonStorage || attempt >= maxStorageAttempts {
			return reason, err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return reason, err
		}
	}
}

func (w *IngestWorker) process(ctx context.Context, msg kafka.Message) (string, error) {
	metricMsg, err := protocol.DecodeMetricMessage(msg.Value)
	if err != nil {
		return reasonDecode, err
	}
	date, err := metricMsg.ParseDate()
	if err != nil {
		return reasonDecode, err
	}

	_, err = w.creator.Create(ctx, metricMsg.RegionCode, date, metricMsg.Value)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, scoring.ErrRegionNotFound):
		return reasonRegion, err
	default:
		return reasonStorage, err
	}
}
