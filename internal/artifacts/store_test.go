package artifacts

import (
	"context"
	"errors"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

func TestMemoryStoreListsByPrefixWithContentHash(t *testing.T) {
	store := NewMemoryStore()
	store.Put("auxtel/2024-01-15/monitor/000001/a.jpg", []byte("one"))
	store.Put("auxtel/2024-01-16/monitor/000001/a.jpg", []byte("two"))

	objects, err := store.ListObjects(context.Background(), "auxtel/2024-01-15/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "auxtel/2024-01-15/monitor/000001/a.jpg" {
		t.Fatalf("unexpected listing: %+v", objects)
	}

	firstHash := objects[0].Hash
	store.Put("auxtel/2024-01-15/monitor/000001/a.jpg", []byte("changed"))
	objects, _ = store.ListObjects(context.Background(), "auxtel/2024-01-15/")
	if objects[0].Hash == firstHash {
		t.Fatal("expected content change to change the hash")
	}

	missing, err := store.GetObject(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil payload for missing key, got %v err=%v", missing, err)
	}
}

func TestNoopStoreReportsNotConfigured(t *testing.T) {
	store := NewNoopStore()
	if _, err := store.ListObjects(context.Background(), ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestBreakerStoreOpensAfterConsecutiveFailures(t *testing.T) {
	backing := NewMemoryStore()
	backing.FailLists(errors.New("connection refused"))
	store := NewBreakerStore(backing, BreakerSettings{
		Name:             "test-open",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	})

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := store.ListObjects(context.Background(), ""); err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: expected raw backing error, got %v", attempt, err)
		}
	}
	if store.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", store.State())
	}

	callsBefore := backing.ListCalls()
	if _, err := store.ListObjects(context.Background(), ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while open, got %v", err)
	}
	if backing.ListCalls() != callsBefore {
		t.Fatal("expected open breaker to short-circuit the backing store")
	}
}

func TestBreakerStoreIgnoresCancellation(t *testing.T) {
	store := NewBreakerStore(NewMemoryStore(), BreakerSettings{Name: "test-cancel", FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.ListObjects(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.State() != gobreaker.StateClosed {
		t.Fatalf("expected cancellation not to trip the breaker, got %s", store.State())
	}
}
