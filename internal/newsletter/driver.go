package newsletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/essencia/newsletter-engine/internal/esp"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
	"github.com/essencia/newsletter-engine/internal/rotation"
)

// Dispatcher sends one email through the provider rotation. Implemented by
// rotation.Orchestrator; faked in tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *esp.EmailMessage, emailCount int) (*esp.SendResult, error)
}

// DriverConfig holds pacing and envelope settings for the batch driver.
type DriverConfig struct {
	MiniBatchSize      int
	MiniBatchStagger   time.Duration // delay step between mini-batches of one batch
	BatchCooldown      time.Duration // fixed delay between consecutive batches
	DefaultBatchSize   int
	FromName           string
	FromEmail          string
	ReplyTo            string
	UnsubscribeBaseURL string
	PollInterval       time.Duration
	ClaimSize          int
}

// pauseRecheck is how far out a batch is pushed when sending is paused.
const pauseRecheck = 5 * time.Minute

// providerBackoff is how far out a mini-batch remainder is pushed when no
// provider account has capacity.
const providerBackoff = 10 * time.Minute

// errTaskRescheduled signals that a handler already re-queued the task, so
// the poll loop must neither complete nor fail it.
var errTaskRescheduled = errors.New("task rescheduled")

// Driver runs the durable decomposition of "send newsletter to segment"
// into batches and mini-batches. Tasks live in Postgres with delayed
// visibility, so a send survives restarts and resumes where it left off.
type Driver struct {
	store      *Store
	dispatcher Dispatcher
	renderer   *Renderer
	cfg        DriverConfig
	workerID   string

	totalSent   int64
	totalFailed int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDriver creates a driver. Zero config fields fall back to the engine
// defaults (30-recipient mini-batches, 10s stagger, 30m cooldown).
func NewDriver(store *Store, dispatcher Dispatcher, cfg DriverConfig) *Driver {
	if cfg.MiniBatchSize <= 0 {
		cfg.MiniBatchSize = DefaultMiniBatchSize
	}
	if cfg.MiniBatchStagger <= 0 {
		cfg.MiniBatchStagger = 10 * time.Second
	}
	if cfg.BatchCooldown <= 0 {
		cfg.BatchCooldown = 30 * time.Minute
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimSize <= 0 {
		cfg.ClaimSize = 10
	}
	return &Driver{
		store:      store,
		dispatcher: dispatcher,
		renderer:   NewRenderer(),
		cfg:        cfg,
		workerID:   fmt.Sprintf("dispatch-%s", uuid.New().String()[:8]),
	}
}

// StartNewsletter begins a send: computes the batch count for the segment
// and enqueues the first batch task for immediate pickup. Returns the total
// number of batches. Re-triggering the same newsletter is a no-op thanks to
// task_id dedupe.
func (d *Driver) StartNewsletter(ctx context.Context, newsletterID string, segmentID int64, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = d.cfg.DefaultBatchSize
	}

	count, err := d.store.CountActiveSubscribers(ctx, segmentID)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("segment %d has no active subscribers", segmentID)
	}

	totalBatches := int(math.Ceil(float64(count) / float64(batchSize)))
	task := BatchTask{
		TaskID:       BatchTaskID(newsletterID, 0),
		NewsletterID: newsletterID,
		SegmentID:    segmentID,
		BatchIndex:   0,
		BatchSize:    batchSize,
		TotalBatches: totalBatches,
	}
	if err := d.store.EnqueueTask(ctx, KindBatch, task.TaskID, task, time.Now()); err != nil {
		return 0, err
	}

	logger.Info("newsletter send started",
		"newsletter", newsletterID, "segment", segmentID,
		"subscribers", count, "batches", totalBatches)
	return totalBatches, nil
}

// Start begins the task poll loop.
func (d *Driver) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	logger.Info("dispatch driver starting", "worker", d.workerID)
	d.wg.Add(1)
	go d.pollLoop()
}

// Stop gracefully stops the driver, waiting for in-flight tasks.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	logger.Info("dispatch driver stopped",
		"sent", atomic.LoadInt64(&d.totalSent), "failed", atomic.LoadInt64(&d.totalFailed))
}

// Stats returns cumulative send counters.
func (d *Driver) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":   atomic.LoadInt64(&d.totalSent),
		"total_failed": atomic.LoadInt64(&d.totalFailed),
	}
}

func (d *Driver) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			tasks, err := d.store.ClaimTasks(d.ctx, d.workerID, d.cfg.ClaimSize)
			if err != nil {
				logger.Error("task claim failed", "error", err)
				continue
			}
			for _, t := range tasks {
				d.runTask(t)
			}
		}
	}
}

func (d *Driver) runTask(t Task) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Minute)
	defer cancel()

	err := d.handleTask(ctx, t)
	switch {
	case err == nil:
		if cerr := d.store.CompleteTask(ctx, t.ID); cerr != nil {
			logger.Warn("task completion write failed", "task", t.TaskID, "error", cerr)
		}
	case errors.Is(err, errTaskRescheduled):
		// handler already re-queued it
	default:
		logger.Error("task failed", "task", t.TaskID, "kind", t.Kind, "error", err)
		if ferr := d.store.FailTask(ctx, t.ID, t.Attempts, err.Error()); ferr != nil {
			logger.Warn("task failure write failed", "task", t.TaskID, "error", ferr)
		}
	}
}

func (d *Driver) handleTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case KindBatch:
		var bt BatchTask
		if err := json.Unmarshal(t.Payload, &bt); err != nil {
			return fmt.Errorf("decode batch task: %w", err)
		}
		return d.handleBatch(ctx, t, bt)
	case KindMiniBatch:
		var mt MiniBatchTask
		if err := json.Unmarshal(t.Payload, &mt); err != nil {
			return fmt.Errorf("decode mini-batch task: %w", err)
		}
		return d.handleMiniBatch(ctx, t, mt)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// handleBatch fetches one subscriber page, fans it out into staggered
// mini-batch tasks, and chains the next batch after the cooldown.
func (d *Driver) handleBatch(ctx context.Context, t Task, bt BatchTask) error {
	if d.store.SendingPaused(ctx) {
		logger.Info("sending paused, deferring batch",
			"newsletter", bt.NewsletterID, "batch", bt.BatchIndex)
		if err := d.store.RescheduleTask(ctx, t.ID, time.Now().Add(pauseRecheck)); err != nil {
			return err
		}
		return errTaskRescheduled
	}

	offset := bt.BatchIndex * bt.BatchSize
	subs, err := d.store.SubscriberPage(ctx, bt.SegmentID, offset, bt.BatchSize)
	if err != nil {
		return err
	}

	chunks := SplitMiniBatches(subs, d.cfg.MiniBatchSize)
	now := time.Now()
	for i, chunk := range chunks {
		mt := MiniBatchTask{
			TaskID:         MiniBatchTaskID(bt.NewsletterID, bt.BatchIndex, i, 0),
			NewsletterID:   bt.NewsletterID,
			BatchIndex:     bt.BatchIndex,
			MiniBatchIndex: i,
			Subscribers:    chunk,
		}
		runAt := now.Add(time.Duration(i) * d.cfg.MiniBatchStagger)
		if err := d.store.EnqueueTask(ctx, KindMiniBatch, mt.TaskID, mt, runAt); err != nil {
			return err
		}
	}

	d.store.RecordBatchStats(ctx, BatchStats{
		TaskID:        bt.TaskID,
		NewsletterID:  bt.NewsletterID,
		BatchIndex:    bt.BatchIndex,
		SubscriberCnt: len(subs),
		MiniBatches:   len(chunks),
	})

	if bt.BatchIndex+1 < bt.TotalBatches {
		next := BatchTask{
			TaskID:       BatchTaskID(bt.NewsletterID, bt.BatchIndex+1),
			NewsletterID: bt.NewsletterID,
			SegmentID:    bt.SegmentID,
			BatchIndex:   bt.BatchIndex + 1,
			BatchSize:    bt.BatchSize,
			TotalBatches: bt.TotalBatches,
		}
		if err := d.store.EnqueueTask(ctx, KindBatch, next.TaskID, next, now.Add(d.cfg.BatchCooldown)); err != nil {
			return err
		}
	} else {
		logger.Info("newsletter batches all scheduled",
			"newsletter", bt.NewsletterID, "batches", bt.TotalBatches)
	}

	return nil
}

// handleMiniBatch sends to each recipient in turn. One recipient's failure
// never stops the loop; only a fully exhausted provider pool does, in which
// case the unsent remainder is re-enqueued as a fresh task after a backoff
// so already-delivered recipients are not sent twice.
func (d *Driver) handleMiniBatch(ctx context.Context, t Task, mt MiniBatchTask) error {
	nl, err := d.store.GetNewsletter(ctx, mt.NewsletterID)
	if err != nil {
		return err
	}

	sent := 0
	failed := 0
	byProvider := make(map[string]int)

	for i, sub := range mt.Subscribers {
		msg, err := d.buildMessage(nl, sub)
		if err != nil {
			logger.Warn("recipient payload build failed",
				"newsletter", nl.ID, "subscriber_email", sub.Email, "error", err)
			failed++
			continue
		}

		res, err := d.dispatcher.Dispatch(ctx, msg, 1)
		if errors.Is(err, rotation.ErrNoProviderAvailable) {
			remaining := mt.Subscribers[i:]
			logger.Warn("provider pool exhausted, deferring remainder",
				"newsletter", nl.ID, "remaining", len(remaining))
			if rerr := d.enqueueRemainder(ctx, mt, remaining); rerr != nil {
				logger.Error("remainder enqueue failed", "task", mt.TaskID, "error", rerr)
			}
			break
		}
		if err != nil || res == nil || !res.Success {
			failed++
			atomic.AddInt64(&d.totalFailed, 1)
			continue
		}

		sent++
		byProvider[res.Provider]++
		atomic.AddInt64(&d.totalSent, 1)
	}

	d.store.RecordMiniBatchStats(ctx, MiniBatchStats{
		TaskID:         mt.TaskID,
		NewsletterID:   mt.NewsletterID,
		BatchIndex:     mt.BatchIndex,
		MiniBatchIndex: mt.MiniBatchIndex,
		SentCount:      sent,
		FailedCount:    failed,
		ByProvider:     byProvider,
	})

	return nil
}

func (d *Driver) enqueueRemainder(ctx context.Context, mt MiniBatchTask, remaining []Subscriber) error {
	retry := MiniBatchTask{
		TaskID:         MiniBatchTaskID(mt.NewsletterID, mt.BatchIndex, mt.MiniBatchIndex, mt.RetryCount+1),
		NewsletterID:   mt.NewsletterID,
		BatchIndex:     mt.BatchIndex,
		MiniBatchIndex: mt.MiniBatchIndex,
		RetryCount:     mt.RetryCount + 1,
		Subscribers:    remaining,
	}
	return d.store.EnqueueTask(ctx, KindMiniBatch, retry.TaskID, retry, time.Now().Add(providerBackoff))
}

func (d *Driver) buildMessage(nl *Newsletter, sub Subscriber) (*esp.EmailMessage, error) {
	unsubURL := ""
	if d.cfg.UnsubscribeBaseURL != "" {
		unsubURL = fmt.Sprintf("%s/unsubscribe/%d", d.cfg.UnsubscribeBaseURL, sub.ID)
	}
	bindings := Bindings(sub, unsubURL)

	html, err := d.renderer.Render(nl.HTMLTemplate, bindings)
	if err != nil {
		return nil, err
	}
	subject, err := d.renderer.Render(nl.Subject, bindings)
	if err != nil {
		return nil, err
	}

	return &esp.EmailMessage{
		To:          sub.Email,
		ToName:      sub.FirstName,
		Subject:     subject,
		HTMLContent: html,
		FromName:    d.cfg.FromName,
		FromEmail:   d.cfg.FromEmail,
		ReplyTo:     d.cfg.ReplyTo,
		TrackingID:  TrackingID(nl.ID, sub.ID),
	}, nil
}
