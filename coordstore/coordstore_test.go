package coordstore

import (
	"context"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Put(ctx, "validator:0x01", "0x01", []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, "validator:0x01")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != "hello" {
		t.Fatalf("value = %q, want hello", v)
	}
}

func TestPutRejectsWriteFromNonOwner(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Put(ctx, "validator:0x01", "0x01", []byte("a"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "validator:0x01", "0x02", []byte("b"), time.Minute); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSameOwnerCanOverwrite(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.Put(ctx, "validator:0x01", "0x01", []byte("a"), time.Minute)
	if err := s.Put(ctx, "validator:0x01", "0x01", []byte("b"), time.Minute); err != nil {
		t.Fatalf("re-Put by same owner: %v", err)
	}
	v, _, _ := s.Get(ctx, "validator:0x01")
	if string(v) != "b" {
		t.Fatalf("value = %q, want b", v)
	}
}

func TestExpiredKeyIsNotReturnedAndIsPruned(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.Put(ctx, "validator:0x01", "0x01", []byte("a"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "validator:0x01"); ok {
		t.Fatal("expected expired key to be invisible")
	}
	removed := s.PruneExpired(time.Now())
	if removed != 1 {
		t.Fatalf("PruneExpired removed %d, want 1", removed)
	}
}

func TestPruneExpiredOnlyTouchesPastBuckets(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.Put(ctx, "a", "owner", []byte("x"), time.Millisecond)
	s.Put(ctx, "b", "owner", []byte("x"), time.Hour)
	time.Sleep(5 * time.Millisecond)
	removed := s.PruneExpired(time.Now())
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok, _ := s.Get(ctx, "b"); !ok {
		t.Fatal("expected unexpired key b to survive pruning")
	}
}

func TestKeysFiltersByPrefixAndExpiry(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.Put(ctx, "validator:0x01", "0x01", []byte("a"), time.Minute)
	s.Put(ctx, "validator:0x02", "0x02", []byte("b"), time.Minute)
	s.Put(ctx, "other:0x03", "0x03", []byte("c"), time.Minute)
	keys, err := s.Keys(ctx, "validator:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys returned %d, want 2: %v", len(keys), keys)
	}
}

func TestDeleteRequiresOwnerMatch(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.Put(ctx, "k", "owner-a", []byte("v"), time.Minute)
	if err := s.Delete(ctx, "k", "owner-b"); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := s.Delete(ctx, "k", "owner-a"); err != nil {
		t.Fatalf("Delete by real owner: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestPublishSubscribeDeliversToCurrentSubscribers(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, cancel, err := s.Subscribe(ctx, "signatures")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	if err := s.Publish(ctx, "signatures", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-ch:
		if string(got) != "payload" {
			t.Fatalf("got %q, want payload", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ch, cancel, _ := s.Subscribe(ctx, "signatures")
	cancel()
	if err := s.Publish(ctx, "signatures", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestLastScannedAdapterRoundTrip(t *testing.T) {
	adapter := LastScannedAdapter{Store: NewMemStore(), Owner: "chain-observer:chainA"}
	if _, ok, err := adapter.LoadLastScanned("chainA"); err != nil || ok {
		t.Fatalf("expected no prior height, got ok=%v err=%v", ok, err)
	}
	if err := adapter.SaveLastScanned("chainA", 12345); err != nil {
		t.Fatalf("SaveLastScanned: %v", err)
	}
	height, ok, err := adapter.LoadLastScanned("chainA")
	if err != nil || !ok {
		t.Fatalf("LoadLastScanned: ok=%v err=%v", ok, err)
	}
	if height != 12345 {
		t.Fatalf("height = %d, want 12345", height)
	}
}

func TestLastScannedAdapterRejectsForeignOwnerOverwrite(t *testing.T) {
	store := NewMemStore()
	a := LastScannedAdapter{Store: store, Owner: "chain-observer:chainA"}
	b := LastScannedAdapter{Store: store, Owner: "chain-observer:chainA-impostor"}
	if err := a.SaveLastScanned("chainA", 1); err != nil {
		t.Fatalf("SaveLastScanned: %v", err)
	}
	if err := b.SaveLastScanned("chainA", 2); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}
