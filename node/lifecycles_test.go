package node

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeTicker struct {
	started, stopped int32
}

func (f *fakeTicker) Start() { atomic.AddInt32(&f.started, 1) }
func (f *fakeTicker) Stop()  { atomic.AddInt32(&f.stopped, 1) }

func TestStartStopLifecycleAdaptsNoErrorComponent(t *testing.T) {
	ft := &fakeTicker{}
	l := StartStopLifecycle{Component: ft}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if atomic.LoadInt32(&ft.started) != 1 || atomic.LoadInt32(&ft.stopped) != 1 {
		t.Fatalf("expected one start and one stop, got %d/%d", ft.started, ft.stopped)
	}
}

func TestTickerTaskInvokesTickRepeatedly(t *testing.T) {
	var count int32
	task := NewTickerTask(10*time.Millisecond, func(time.Time) { atomic.AddInt32(&count, 1) })
	if err := task.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.After(time.Second)
	for atomic.LoadInt32(&count) < 3 {
		select {
		case <-deadline:
			t.Fatal("tick was not invoked enough times")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := task.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTickerTaskDefaultsNonPositiveInterval(t *testing.T) {
	task := NewTickerTask(0, func(time.Time) {})
	if task.Interval != time.Second {
		t.Fatalf("Interval = %v, want 1s default", task.Interval)
	}
}
