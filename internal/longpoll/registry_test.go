package longpoll

import (
	"context"
	"testing"
	"time"

	"taler-merchant/internal/amount"
)

func TestResumePaidWakesWaiter(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	done := make(chan Event, 1)
	go func() {
		done <- r.Wait(context.Background(), "default", "1", time.Now().Add(5*time.Second), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	r.ResumePaid("default", "1")

	select {
	case ev := <-done:
		if !ev.Paid {
			t.Fatalf("expected Paid=true, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not resumed")
	}
}

func TestDeadlineEvictsWithTimeout(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	ev := r.Wait(context.Background(), "default", "2", time.Now().Add(30*time.Millisecond), nil)
	if !ev.TimedOut {
		t.Fatalf("expected TimedOut=true, got %+v", ev)
	}
}

func TestResumeRefundRespectsMinThreshold(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	five, _ := amount.Parse("EUR:5.00000000")
	ten, _ := amount.Parse("EUR:10.00000000")

	done := make(chan Event, 1)
	go func() {
		done <- r.Wait(context.Background(), "default", "3", time.Now().Add(5*time.Second), &ten)
	}()
	time.Sleep(20 * time.Millisecond)

	r.ResumeRefund("default", "3", five)
	select {
	case <-done:
		t.Fatalf("waiter should not have resumed below its threshold")
	case <-time.After(50 * time.Millisecond):
	}

	r.ResumeRefund("default", "3", ten)
	select {
	case ev := <-done:
		if ev.RefundAmount == nil || ev.RefundAmount.Cmp(ten) != 0 {
			t.Fatalf("expected refund amount EUR:10, got %+v", ev.RefundAmount)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not resumed once threshold met")
	}
}

func TestContextCancellationRemovesWaiter(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Event, 1)
	go func() {
		done <- r.Wait(ctx, "default", "4", time.Now().Add(5*time.Second), nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cancellation did not unblock waiter")
	}

	r.mu.Lock()
	_, exists := r.waiters[key("default", "4")]
	r.mu.Unlock()
	if exists {
		t.Fatalf("expected waiter to be removed from registry after cancellation")
	}
}
