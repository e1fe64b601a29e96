package instance

import (
	"context"
	"testing"
	"time"

	"taler-merchant/internal/store"
)

func TestAcquireReleaseAllowsDelete(t *testing.T) {
	s := store.NewMemStore()
	if err := s.CreateInstance(context.Background(), store.Instance{ID: "default"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	r := NewRegistry(s)

	h, err := r.Acquire("default")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Delete(context.Background(), "default")
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("delete returned early: %v", err)
	default:
	}

	h.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("delete did not complete after release")
	}

	if _, err := r.Acquire("default"); err == nil {
		t.Fatalf("expected acquire after delete to fail")
	}
}

func TestAcquireRejectedDuringDeletion(t *testing.T) {
	s := store.NewMemStore()
	_ = s.CreateInstance(context.Background(), store.Instance{ID: "default"})
	r := NewRegistry(s)

	h, _ := r.Acquire("default")
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Release()
	}()
	if err := r.Delete(context.Background(), "default"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
