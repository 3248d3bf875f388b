package util

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestResettableTimer_Fires(t *testing.T) {
	var fired atomic.Int32
	var rt ResettableTimer

	rt.Arm(10*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("fired %d times, want 1", got)
	}
}

func TestResettableTimer_RearmCancelsPrevious(t *testing.T) {
	var first, second atomic.Int32
	var rt ResettableTimer

	rt.Arm(20*time.Millisecond, func() { first.Add(1) })
	rt.Arm(20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(80 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("first callback should have been cancelled by rearm")
	}
	if second.Load() != 1 {
		t.Errorf("second callback fired %d times, want 1", second.Load())
	}
}

func TestResettableTimer_Cancel(t *testing.T) {
	var fired atomic.Int32
	var rt ResettableTimer

	rt.Arm(20*time.Millisecond, func() { fired.Add(1) })
	rt.Cancel()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled callback should not fire")
	}
}

func TestResettableTimer_CancelWithoutArm(t *testing.T) {
	var rt ResettableTimer
	rt.Cancel() // must not panic
}

func TestResettableTimer_RepeatedRearm(t *testing.T) {
	var fired atomic.Int32
	var rt ResettableTimer

	// Simulates audio chunks arriving faster than the debounce window.
	for i := 0; i < 10; i++ {
		rt.Arm(30*time.Millisecond, func() { fired.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("fired %d times across rearms, want exactly 1", got)
	}
}
