// Package newsletter contains the batch/workflow driver for bulk sends: the
// subscriber store, the durable dispatch-task queue, and the handlers that
// decompose a newsletter send into batches and ≤30-recipient mini-batches.
package newsletter

import "fmt"

// Task kinds persisted in the dispatch queue.
const (
	KindBatch     = "batch"
	KindMiniBatch = "mini_batch"
)

// DefaultMiniBatchSize caps recipients per mini-batch, the unit of actual
// send scheduling.
const DefaultMiniBatchSize = 30

// Subscriber is one newsletter recipient.
type Subscriber struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
}

// BatchTask identifies one page of recipients. Persisted in the task queue
// so a send survives process restarts; terminates the chain when
// BatchIndex+1 == TotalBatches.
type BatchTask struct {
	TaskID       string `json:"task_id"`
	NewsletterID string `json:"newsletter_id"`
	SegmentID    int64  `json:"segment_id"`
	BatchIndex   int    `json:"batch_index"`
	BatchSize    int    `json:"batch_size"`
	TotalBatches int    `json:"total_batches"`
}

// MiniBatchTask carries the concrete recipients of one send unit.
// RetryCount distinguishes re-enqueued remainders after a provider outage,
// so their task IDs do not collide with the original's dedupe key.
type MiniBatchTask struct {
	TaskID         string       `json:"task_id"`
	NewsletterID   string       `json:"newsletter_id"`
	BatchIndex     int          `json:"batch_index"`
	MiniBatchIndex int          `json:"mini_batch_index"`
	RetryCount     int          `json:"retry_count"`
	Subscribers    []Subscriber `json:"subscribers"`
}

// BatchTaskID builds the deterministic dedupe key for a batch task.
// Determinism is what makes redelivered triggers idempotent: the same
// newsletter and index always map to the same queue row.
func BatchTaskID(newsletterID string, batchIndex int) string {
	return fmt.Sprintf("nl_%s_b%d", newsletterID, batchIndex)
}

// MiniBatchTaskID builds the dedupe key for a mini-batch task.
func MiniBatchTaskID(newsletterID string, batchIndex, miniBatchIndex, retryCount int) string {
	id := fmt.Sprintf("nl_%s_b%d_m%d", newsletterID, batchIndex, miniBatchIndex)
	if retryCount > 0 {
		id = fmt.Sprintf("%s_r%d", id, retryCount)
	}
	return id
}

// TrackingID builds the per-recipient tracking tag carried on each email.
func TrackingID(newsletterID string, subscriberID int64) string {
	return fmt.Sprintf("nl_%s_%d", newsletterID, subscriberID)
}

// SplitMiniBatches partitions subscribers into chunks of at most size
// recipients. Every subscriber lands in exactly one chunk.
func SplitMiniBatches(subs []Subscriber, size int) [][]Subscriber {
	if size <= 0 {
		size = DefaultMiniBatchSize
	}
	var chunks [][]Subscriber
	for start := 0; start < len(subs); start += size {
		end := start + size
		if end > len(subs) {
			end = len(subs)
		}
		chunks = append(chunks, subs[start:end])
	}
	return chunks
}
