package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errKafkaDown = errors.New("kafka: leader not available")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// sinkBreaker mirrors the notification queue: 3 failures trip a sink for 30s.
func sinkBreaker() (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(3, 30*time.Second).WithClock(clk.Now), clk
}

func failKafka(t *testing.T, b *Breaker, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		if err := b.Execute("kafka", func() error { return errKafkaDown }); !errors.Is(err, errKafkaDown) {
			t.Fatalf("delivery %d: expected sink error, got %v", i, err)
		}
	}
}

func TestExecute_TripsFailingSink(t *testing.T) {
	b, _ := sinkBreaker()

	failKafka(t, b, 2)
	if b.State("kafka") != StateClosed {
		t.Fatalf("expected kafka closed below threshold, got %s", b.State("kafka"))
	}

	failKafka(t, b, 1)
	delivered := false
	err := b.Execute("kafka", func() error { delivered = true; return nil })
	if !errors.Is(err, ErrOpen) || delivered {
		t.Fatalf("expected ErrOpen without delivery, got %v (delivered=%v)", err, delivered)
	}

	// Other sinks keep delivering.
	if err := b.Execute("realtime", func() error { return nil }); err != nil {
		t.Fatalf("realtime sink should be unaffected, got %v", err)
	}
	if b.State("log") != StateClosed {
		t.Fatalf("unused sink should report closed, got %s", b.State("log"))
	}
}

func TestExecute_TrialDeliveryAfterOpenDuration(t *testing.T) {
	tests := []struct {
		name  string
		trial error
		want  State
	}{
		{"broker recovered", nil, StateClosed},
		{"broker still down", errKafkaDown, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := sinkBreaker()
			failKafka(t, b, 3)

			clk.Advance(29 * time.Second)
			if b.Allow("kafka") {
				t.Fatal("expected kafka still open before the open duration")
			}

			clk.Advance(time.Second)
			_ = b.Execute("kafka", func() error {
				if b.State("kafka") != StateHalfOpen {
					t.Errorf("expected half-open during the trial delivery, got %s", b.State("kafka"))
				}
				// A second delivery during the trial is rejected.
				if b.Allow("kafka") {
					t.Error("expected only one trial delivery at a time")
				}
				return tt.trial
			})
			if got := b.State("kafka"); got != tt.want {
				t.Fatalf("expected %s after trial delivery, got %s", tt.want, got)
			}
		})
	}
}

func TestRecordSuccess_ResetsFailureCount(t *testing.T) {
	b, _ := sinkBreaker()

	failKafka(t, b, 2)
	if err := b.Execute("kafka", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	failKafka(t, b, 2)

	if b.State("kafka") != StateClosed {
		t.Fatalf("expected closed after a success between failures, got %s", b.State("kafka"))
	}
}

func TestOnTransition_ReportsSinkChanges(t *testing.T) {
	b, clk := sinkBreaker()

	type change struct {
		sink     string
		from, to State
	}
	var mu sync.Mutex
	var changes []change
	done := make(chan struct{}, 4)
	b.OnTransition(func(sink string, from, to State) {
		mu.Lock()
		changes = append(changes, change{sink, from, to})
		mu.Unlock()
		done <- struct{}{}
	})

	failKafka(t, b, 3)
	<-done
	clk.Advance(30 * time.Second)
	_ = b.Execute("kafka", func() error { return nil })
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := map[change]bool{
		{"kafka", StateClosed, StateOpen}:     true,
		{"kafka", StateOpen, StateHalfOpen}:   true,
		{"kafka", StateHalfOpen, StateClosed}: true,
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), changes)
	}
	for _, c := range changes {
		if !want[c] {
			t.Errorf("unexpected transition %+v", c)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
