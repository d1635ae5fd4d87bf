package chatsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/chatsync/messaging"
	"github.com/opd-ai/chatsync/transport"
)

func TestTimeProvider_RealTimeProvider(t *testing.T) {
	provider := RealTimeProvider{}
	before := time.Now()
	result := provider.Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("RealTimeProvider.Now() returned time outside expected range")
	}

	var fired atomic.Bool
	done := make(chan struct{})
	provider.AfterFunc(time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("RealTimeProvider.AfterFunc callback never ran")
	}
	if !fired.Load() {
		t.Error("callback did not record that it fired")
	}

	stopped := provider.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("Stop() on a pending timer = false, want true")
	}
}

func TestTimeProvider_ManualClock(t *testing.T) {
	clock := newManualClock()
	if !clock.Now().Equal(testBase) {
		t.Errorf("Now() = %v, want %v", clock.Now(), testBase)
	}

	var order []string
	clock.AfterFunc(2*time.Second, func() { order = append(order, "late") })
	clock.AfterFunc(time.Second, func() { order = append(order, "early") })
	cancelled := clock.AfterFunc(time.Second, func() { order = append(order, "cancelled") })
	cancelled.Stop()

	clock.Advance(1500 * time.Millisecond)
	if len(order) != 1 || order[0] != "early" {
		t.Fatalf("after 1.5s fired %v, want [early]", order)
	}

	clock.Advance(time.Second)
	if len(order) != 2 || order[1] != "late" {
		t.Fatalf("after 2.5s fired %v, want [early late]", order)
	}
	if want := testBase.Add(2500 * time.Millisecond); !clock.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", clock.Now(), want)
	}
}

func TestTimeProvider_DrivesSessionTimestamps(t *testing.T) {
	h := newHarness(t)
	s, ft := h.open(t, testPartnerID)

	h.clock.Advance(42 * time.Second)
	ft.emit(transport.HistoryBatch{Source: messaging.SourceHistory, Messages: []messaging.Message{
		partnerMessage("1", "hi", testBase),
	}})

	if want := testBase.Add(42 * time.Second); !s.LastSyncedAt().Equal(want) {
		t.Errorf("LastSyncedAt() = %v, want %v", s.LastSyncedAt(), want)
	}
}
