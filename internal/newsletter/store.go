package newsletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// MaxTaskAttempts is the retry budget before a task moves to dead_letter.
const MaxTaskAttempts = 5

// Store wraps all Postgres access for the dispatch engine: subscriber
// pages, the durable task queue, batch statistics, and the pause toggle.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over the given connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Newsletter is the content to be sent: a subject line and a Liquid HTML
// template personalized per recipient.
type Newsletter struct {
	ID           string
	Subject      string
	HTMLTemplate string
}

// GetNewsletter loads a newsletter's content by ID.
func (s *Store) GetNewsletter(ctx context.Context, id string) (*Newsletter, error) {
	var n Newsletter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, html_template FROM newsletters WHERE id = $1
	`, id).Scan(&n.ID, &n.Subject, &n.HTMLTemplate)
	if err != nil {
		return nil, fmt.Errorf("load newsletter %s: %w", id, err)
	}
	return &n, nil
}

// CountActiveSubscribers returns the number of active subscribers in a segment.
func (s *Store) CountActiveSubscribers(ctx context.Context, segmentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM newsletter_subscribers
		WHERE segment_id = $1 AND status = 'active'
	`, segmentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return count, nil
}

// SubscriberPage returns one page of active subscribers, ordered by id so
// offset pagination stays stable while batches are in flight.
func (s *Store) SubscriberPage(ctx context.Context, segmentID int64, offset, limit int) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, COALESCE(first_name, '')
		FROM newsletter_subscribers
		WHERE segment_id = $1 AND status = 'active'
		ORDER BY id ASC
		OFFSET $2 LIMIT $3
	`, segmentID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("subscriber page: %w", err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.FirstName); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ---------------------------------------------------------------------------
// Durable task queue
// ---------------------------------------------------------------------------

// Task is one claimed row from the dispatch queue.
type Task struct {
	ID       uuid.UUID
	TaskID   string
	Kind     string
	Payload  []byte
	Attempts int
}

// EnqueueTask inserts a task with delayed visibility. The unique task_id
// deduplicates redelivered or re-triggered tasks: enqueueing the same
// task_id twice leaves a single queue row.
func (s *Store) EnqueueTask(ctx context.Context, kind, taskID string, payload interface{}, runAt time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatch_tasks (id, task_id, kind, payload, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, NOW())
		ON CONFLICT (task_id) DO NOTHING
	`, uuid.New(), taskID, kind, string(data), runAt)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}

// ClaimTasks atomically claims up to limit due tasks for this worker.
// Tasks whose lock went stale (a crashed worker) become claimable again
// after five minutes, giving at-least-once delivery.
func (s *Store) ClaimTasks(ctx context.Context, workerID string, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE dispatch_tasks
		SET status = 'processing', worker_id = $1, locked_at = NOW()
		WHERE id IN (
			SELECT t.id FROM dispatch_tasks t
			WHERE (t.status = 'queued' AND t.scheduled_at <= NOW())
			   OR (t.status = 'processing' AND t.locked_at < NOW() - INTERVAL '5 minutes')
			ORDER BY t.scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_id, kind, payload, attempts
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TaskID, &t.Kind, &t.Payload, &t.Attempts); err != nil {
			// The row is already marked processing; the stale reclaim will
			// pick it back up, but the skip must not be invisible.
			logger.Warn("claimed task row unreadable", "worker", workerID, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompleteTask marks a claimed task done.
func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_tasks SET status = 'done', completed_at = NOW() WHERE id = $1
	`, id)
	return err
}

// FailTask re-queues a task with exponential backoff, or moves it to
// dead_letter once the attempt budget is spent.
func (s *Store) FailTask(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	if attempts+1 >= MaxTaskAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dispatch_tasks
			SET status = 'dead_letter', error_message = $2, attempts = attempts + 1
			WHERE id = $1
		`, id, errMsg)
		if err == nil {
			logger.Error("task moved to dead_letter", "task", id.String(), "attempts", attempts+1, "error", errMsg)
		}
		return err
	}

	backoff := time.Duration(1<<uint(attempts)) * time.Minute
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET status = 'queued', error_message = $2, attempts = attempts + 1,
		    scheduled_at = NOW() + $3 * INTERVAL '1 second'
		WHERE id = $1
	`, id, errMsg, int(backoff.Seconds()))
	return err
}

// RescheduleTask pushes a claimed task back to queued at a later time
// without consuming an attempt. Used for pause and provider backoff.
func (s *Store) RescheduleTask(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_tasks SET status = 'queued', scheduled_at = $2 WHERE id = $1
	`, id, runAt)
	return err
}

// ---------------------------------------------------------------------------
// Stats sink and pause toggle
// ---------------------------------------------------------------------------

// BatchStats is the per-batch observability record.
type BatchStats struct {
	TaskID        string
	NewsletterID  string
	BatchIndex    int
	SubscriberCnt int
	MiniBatches   int
}

// MiniBatchStats is the per-mini-batch outcome record.
type MiniBatchStats struct {
	TaskID         string
	NewsletterID   string
	BatchIndex     int
	MiniBatchIndex int
	SentCount      int
	FailedCount    int
	ByProvider     map[string]int
}

// RecordBatchStats persists a batch record. Write failures are logged and
// swallowed: observability must never block sending.
func (s *Store) RecordBatchStats(ctx context.Context, st BatchStats) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_batch_stats (task_id, newsletter_id, batch_index, subscriber_count, mini_batches, processed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, st.TaskID, st.NewsletterID, st.BatchIndex, st.SubscriberCnt, st.MiniBatches)
	if err != nil {
		logger.Warn("batch stats write failed", "task", st.TaskID, "error", err)
	}
}

// RecordMiniBatchStats persists a mini-batch outcome record. Same policy:
// logged, never retried, never blocks.
func (s *Store) RecordMiniBatchStats(ctx context.Context, st MiniBatchStats) {
	breakdown, _ := json.Marshal(st.ByProvider)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_minibatch_stats (task_id, newsletter_id, batch_index, mini_batch_index, sent_count, failed_count, provider_breakdown, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, st.TaskID, st.NewsletterID, st.BatchIndex, st.MiniBatchIndex, st.SentCount, st.FailedCount, string(breakdown))
	if err != nil {
		logger.Warn("mini-batch stats write failed", "task", st.TaskID, "error", err)
	}
}

// NewsletterStats aggregates mini-batch outcomes for one newsletter.
func (s *Store) NewsletterStats(ctx context.Context, newsletterID string) (sent, failed int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(sent_count), 0), COALESCE(SUM(failed_count), 0)
		FROM dispatch_minibatch_stats WHERE newsletter_id = $1
	`, newsletterID).Scan(&sent, &failed)
	if err != nil {
		err = fmt.Errorf("newsletter stats: %w", err)
	}
	return
}

// SendingPaused reports the operator pause toggle. Missing row means not
// paused; read errors fail open so an unreachable settings row cannot
// strand a send mid-flight.
func (s *Store) SendingPaused(ctx context.Context) bool {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM dispatch_settings WHERE key = 'sending_paused'
	`).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			logger.Warn("pause toggle read failed", "error", err)
		}
		return false
	}
	return value == "true"
}

// SetSendingPaused flips the operator pause toggle.
func (s *Store) SetSendingPaused(ctx context.Context, paused bool) error {
	value := "false"
	if paused {
		value = "true"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_settings (key, value) VALUES ('sending_paused', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, value)
	return err
}
