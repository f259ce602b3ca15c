// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case fired := <-channel:
		if want := epoch.Add(3 * time.Second); !fired.Equal(want) {
			t.Errorf("fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after firing, want 0", clock.PendingCount())
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	clock := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-clock.After(d):
		default:
			t.Fatalf("After(%v) should fire immediately", d)
		}
	}
	if len(clock.Requested()) != 0 {
		t.Errorf("non-positive durations were recorded: %v", clock.Requested())
	}
}

func TestFakeClockSleepAndWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		clock.Sleep(10 * time.Second)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeClockRequestedRecordsOrder(t *testing.T) {
	clock := Fake(epoch)
	clock.After(time.Second)
	clock.After(1100 * time.Millisecond)
	clock.After(time.Second)

	got := clock.Requested()
	want := []time.Duration{time.Second, 1100 * time.Millisecond, time.Second}
	if len(got) != len(want) {
		t.Fatalf("Requested() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Requested()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFakeClockAdvanceFiresInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	late := clock.After(2 * time.Second)
	early := clock.After(time.Second)

	clock.Advance(5 * time.Second)
	for name, channel := range map[string]<-chan time.Time{"early": early, "late": late} {
		select {
		case <-channel:
		default:
			t.Errorf("%s waiter did not fire", name)
		}
	}
}
