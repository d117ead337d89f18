package ratelimit

import (
	"context"
	"testing"
	"time"
)

// newTestWindow создаёт limiter с подменяемыми часами
func newTestWindow(limit int, window time.Duration) (*SlidingWindow, *time.Time) {
	sw := NewSlidingWindow(limit, window)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return now }
	return sw, &now
}

func TestSlidingWindow_AllowUpToLimit(t *testing.T) {
	sw, _ := newTestWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !sw.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if sw.Allow() {
		t.Error("request beyond limit should be rejected")
	}
	if sw.Len() != 3 {
		t.Errorf("expected 3 requests in window, got %d", sw.Len())
	}
}

func TestSlidingWindow_SlotFreesAfterWindow(t *testing.T) {
	sw, now := newTestWindow(2, time.Minute)

	if !sw.Allow() || !sw.Allow() {
		t.Fatal("first two requests should be allowed")
	}
	if sw.Allow() {
		t.Fatal("third request should be rejected")
	}

	// Сдвигаем часы за пределы окна
	*now = now.Add(61 * time.Second)

	if !sw.Allow() {
		t.Error("slot should free after window passes")
	}
}

func TestSlidingWindow_PartialExpiry(t *testing.T) {
	sw, now := newTestWindow(2, time.Minute)

	sw.Allow() // t=0
	*now = now.Add(30 * time.Second)
	sw.Allow() // t=30

	// t=61: первая метка вышла из окна, вторая ещё нет
	*now = now.Add(31 * time.Second)

	if !sw.Allow() {
		t.Error("one slot should be free")
	}
	if sw.Allow() {
		t.Error("window should be full again")
	}
}

func TestSlidingWindow_Remaining(t *testing.T) {
	sw, _ := newTestWindow(5, time.Minute)

	if sw.Remaining() != 5 {
		t.Errorf("expected 5 remaining, got %d", sw.Remaining())
	}

	sw.Allow()
	sw.Allow()

	if sw.Remaining() != 3 {
		t.Errorf("expected 3 remaining, got %d", sw.Remaining())
	}
}

func TestSlidingWindow_NextFreeIn(t *testing.T) {
	sw, now := newTestWindow(1, time.Minute)

	if sw.NextFreeIn() != 0 {
		t.Error("empty window should have free slot immediately")
	}

	sw.Allow()
	*now = now.Add(20 * time.Second)

	wait := sw.NextFreeIn()
	if wait != 40*time.Second {
		t.Errorf("expected 40s wait, got %v", wait)
	}
}

func TestSlidingWindow_WaitImmediate(t *testing.T) {
	sw := NewSlidingWindow(10, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := sw.Wait(ctx); err != nil {
		t.Fatalf("Wait with free slots failed: %v", err)
	}
}

func TestSlidingWindow_WaitCancelled(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)
	sw.Allow() // заполняем окно

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sw.Wait(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestSlidingWindow_Defaults(t *testing.T) {
	sw := NewSlidingWindow(0, 0)

	if sw.Limit() != 60 {
		t.Errorf("expected default limit 60, got %d", sw.Limit())
	}
	if sw.Window() != time.Minute {
		t.Errorf("expected default window 1m, got %v", sw.Window())
	}
}
