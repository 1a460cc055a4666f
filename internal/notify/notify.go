// Package notify delivers user notifications after the financial work that
// produced them has committed.
//
// Services hand notifications to a Dispatcher and move on. Queue buffers
// them in a bounded channel and a background worker fans each one out to
// the configured sinks with retries and a per-sink circuit breaker. A full
// queue drops the notification; delivery never blocks or fails a caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/circuitbreaker"
	"github.com/olawolejethro/azariPay-sub002/internal/idgen"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/retry"
)

// Category groups notifications for clients.
type Category string

const (
	CategoryTrade       Category = "TRADE"
	CategoryNegotiation Category = "NEGOTIATION"
	CategoryDispute     Category = "DISPUTE"
	CategoryOpsAlert    Category = "OPS_ALERT"
)

// Priority is the delivery urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one message to one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    int64          `json:"userId"`
	Category  Category       `json:"category"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Action    string         `json:"action,omitempty"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Dispatcher accepts notifications for best-effort delivery.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification)
}

// Sink delivers a notification somewhere. Deliver errors are retried.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// DefaultQueueSize is the buffer used when NewQueue is given zero.
const DefaultQueueSize = 1024

// Queue is the outbound notification queue.
type Queue struct {
	ch        chan *Notification
	sinks     []Sink
	breaker   *circuitbreaker.Breaker
	opsUserID int64
	logger    *slog.Logger

	maxAttempts int
	baseDelay   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
}

// NewQueue creates a queue that delivers to sinks.
func NewQueue(size int, sinks ...Sink) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		ch:          make(chan *Notification, size),
		sinks:       sinks,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      slog.Default(),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
		stop:        make(chan struct{}),
	}
	q.breaker.OnTransition(func(sink string, from, to circuitbreaker.State) {
		q.logger.Warn("notification sink circuit changed", "sink", sink, "from", from.String(), "to", to.String())
	})
	return q
}

// WithLogger sets the logger.
func (q *Queue) WithLogger(logger *slog.Logger) *Queue {
	q.logger = logger
	return q
}

// WithOpsUser sets the user that receives operations alerts.
func (q *Queue) WithOpsUser(userID int64) *Queue {
	q.opsUserID = userID
	return q
}

// WithRetry sets the per-sink delivery attempts and initial backoff.
func (q *Queue) WithRetry(maxAttempts int, baseDelay time.Duration) *Queue {
	q.maxAttempts = maxAttempts
	q.baseDelay = baseDelay
	return q
}

// Notify enqueues n without blocking.
func (q *Queue) Notify(_ context.Context, n Notification) {
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}

	select {
	case q.ch <- &n:
		metrics.NotificationQueueDepth.Set(float64(len(q.ch)))
	default:
		metrics.NotificationsDroppedTotal.Inc()
		q.logger.Warn("notification queue full, dropping", "user_id", n.UserID, "category", n.Category, "title", n.Title)
	}
}

// Alert sends an operations alert to the ops user. Without an ops user it
// is only logged.
func (q *Queue) Alert(ctx context.Context, subject string, fields map[string]any) {
	q.logger.Error("ops alert", "subject", subject, "fields", fields)
	if q.opsUserID == 0 {
		return
	}
	q.Notify(ctx, Notification{
		UserID:   q.opsUserID,
		Category: CategoryOpsAlert,
		Title:    subject,
		Body:     fmt.Sprintf("%s: %v", subject, fields),
		Data:     fields,
		Priority: PriorityHigh,
	})
}

// Running reports whether the worker loop is running.
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Start runs the delivery loop until ctx is done or Stop is called, then
// delivers whatever is still buffered. Call in a goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.running.Store(true)
	defer q.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			q.drain(context.WithoutCancel(ctx))
			return
		case <-q.stop:
			q.drain(ctx)
			return
		case n := <-q.ch:
			metrics.NotificationQueueDepth.Set(float64(len(q.ch)))
			q.safeDeliver(ctx, n)
		}
	}
}

// Stop signals the worker to drain and exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Queue) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-q.ch:
			q.safeDeliver(ctx, n)
		default:
			metrics.NotificationQueueDepth.Set(0)
			return
		}
	}
}

func (q *Queue) safeDeliver(ctx context.Context, n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in notification delivery", "panic", fmt.Sprint(r), "notification_id", n.ID)
		}
	}()
	q.deliver(ctx, n)
}

func (q *Queue) deliver(ctx context.Context, n *Notification) {
	for _, sink := range q.sinks {
		name := sink.Name()
		err := q.breaker.Execute(name, func() error {
			return retry.Do(ctx, q.maxAttempts, q.baseDelay, func() error {
				err := sink.Deliver(ctx, n)
				if errors.Is(err, ErrUndeliverable) {
					return retry.Permanent(err)
				}
				return err
			})
		})
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.NotificationDeliveriesTotal.WithLabelValues(name, "circuit_open").Inc()
		case err != nil:
			metrics.NotificationDeliveriesTotal.WithLabelValues(name, "failed").Inc()
			q.logger.Warn("notification delivery failed", "sink", name, "notification_id", n.ID,
				"user_id", n.UserID, "error", err)
		default:
			metrics.NotificationDeliveriesTotal.WithLabelValues(name, "delivered").Inc()
		}
	}
}

// ErrUndeliverable marks a notification a sink can never deliver; it is
// not retried.
var ErrUndeliverable = errors.New("notification undeliverable")
