package notify

import (
	"context"
	"sync"
)

// Recorder is a Dispatcher that keeps every notification in memory. Tests
// use it to assert on what services sent.
type Recorder struct {
	mu     sync.Mutex
	sent   []Notification
	alerts []string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

// Alert records the alert subject.
func (r *Recorder) Alert(_ context.Context, subject string, _ map[string]any) {
	r.mu.Lock()
	r.alerts = append(r.alerts, subject)
	r.mu.Unlock()
}

// All returns every notification sent so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// For returns the notifications sent to userID.
func (r *Recorder) For(userID int64) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notification
	for _, n := range r.sent {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Alerts returns the subjects of every alert raised.
func (r *Recorder) Alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.alerts = nil
	r.mu.Unlock()
}
