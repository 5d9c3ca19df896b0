package node

import (
	"errors"
	"testing"
)

type recordingLifecycle struct {
	name      string
	log       *[]string
	startErr  error
	stopErr   error
}

func (l *recordingLifecycle) Start() error {
	*l.log = append(*l.log, "start:"+l.name)
	return l.startErr
}

func (l *recordingLifecycle) Stop() error {
	*l.log = append(*l.log, "stop:"+l.name)
	return l.stopErr
}

func TestStartStartsInRegistrationOrder(t *testing.T) {
	var log []string
	n := New()
	n.RegisterLifecycle(&recordingLifecycle{name: "a", log: &log})
	n.RegisterLifecycle(&recordingLifecycle{name: "b", log: &log})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []string{"start:a", "start:b"}
	if !equal(log, want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestCloseStopsInReverseOrder(t *testing.T) {
	var log []string
	n := New()
	n.RegisterLifecycle(&recordingLifecycle{name: "a", log: &log})
	n.RegisterLifecycle(&recordingLifecycle{name: "b", log: &log})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	log = nil
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"stop:b", "stop:a"}
	if !equal(log, want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestStartUnwindsAlreadyStartedLifecyclesOnFailure(t *testing.T) {
	var log []string
	n := New()
	failure := errors.New("boom")
	n.RegisterLifecycle(&recordingLifecycle{name: "a", log: &log})
	n.RegisterLifecycle(&recordingLifecycle{name: "b", log: &log, startErr: failure})
	n.RegisterLifecycle(&recordingLifecycle{name: "c", log: &log})

	err := n.Start()
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	want := []string{"start:a", "start:b", "stop:a"}
	if !equal(log, want) {
		t.Fatalf("log = %v, want %v (c should never start, a should unwind)", log, want)
	}
}

func TestRegisterAfterStartIsRejected(t *testing.T) {
	var log []string
	n := New()
	n.RegisterLifecycle(&recordingLifecycle{name: "a", log: &log})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.RegisterLifecycle(&recordingLifecycle{name: "b", log: &log}); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestDoneClosesOnClose(t *testing.T) {
	n := New()
	select {
	case <-n.Done():
		t.Fatal("Done channel should not be closed before Close")
	default:
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-n.Done():
	default:
		t.Fatal("Done channel should be closed after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n := New()
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
