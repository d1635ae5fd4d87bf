package testing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
)

var simBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestSim() *SimulatedChatAPI {
	sim := NewSimulatedChatAPI()
	tick := 0
	var mu sync.Mutex
	sim.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return simBase.Add(time.Duration(tick) * time.Second)
	})
	return sim
}

func TestNewSimulatedChatAPI(t *testing.T) {
	sim := NewSimulatedChatAPI()
	if sim == nil {
		t.Fatal("expected non-nil SimulatedChatAPI")
	}
	if len(sim.GetCallLog()) != 0 {
		t.Error("new simulation should have empty call log")
	}
}

func TestSendThenFetch(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	echo, err := sim.SendMessage(ctx, interfaces.OutgoingMessage{
		SenderID: "3", ReceiverID: "9", Content: "Hello", ClientNonce: "n-1",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if echo.ID != "1" || echo.ClientNonce != "n-1" || echo.DeliveryState != messaging.DeliverySent {
		t.Errorf("unexpected echo %+v", echo)
	}

	sim.Inject(messaging.Message{SenderID: "9", ReceiverID: "3", Content: "Hi"})

	for _, pair := range [][2]string{{"3", "9"}, {"9", "3"}} {
		msgs, err := sim.FetchHistory(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("FetchHistory: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Content != "Hello" || msgs[1].Content != "Hi" {
			t.Errorf("FetchHistory(%s, %s) = %+v", pair[0], pair[1], msgs)
		}
	}

	empty, err := sim.FetchHistory(ctx, "3", "10")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown conversation should be empty, got %v, %v", empty, err)
	}
}

func TestFailNext(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()
	custom := errors.New("gateway timeout")

	sim.FailNext(OpSend, nil)
	sim.FailNext(OpSend, custom)

	if _, err := sim.SendMessage(ctx, interfaces.OutgoingMessage{SenderID: "3", ReceiverID: "9"}); !errors.Is(err, ErrSimulatedFailure) {
		t.Errorf("first send: expected ErrSimulatedFailure, got %v", err)
	}
	if _, err := sim.SendMessage(ctx, interfaces.OutgoingMessage{SenderID: "3", ReceiverID: "9"}); !errors.Is(err, custom) {
		t.Errorf("second send: expected custom error, got %v", err)
	}
	if _, err := sim.SendMessage(ctx, interfaces.OutgoingMessage{SenderID: "3", ReceiverID: "9"}); err != nil {
		t.Errorf("third send should succeed, got %v", err)
	}

	stats := sim.GetStats()
	if stats.TotalCalls != 3 || stats.FailedCalls != 2 || stats.SuccessfulCalls != 1 || stats.MessageCount != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if sim.CallCount(OpSend) != 3 {
		t.Errorf("expected 3 send calls, got %d", sim.CallCount(OpSend))
	}

	sim.ClearCallLog()
	if len(sim.GetCallLog()) != 0 {
		t.Error("call log should be empty after clear")
	}
}

func TestMarkReadAndPresence(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	sim.Inject(messaging.Message{SenderID: "9", ReceiverID: "3", Content: "a"})
	sim.Inject(messaging.Message{SenderID: "3", ReceiverID: "9", Content: "b"})

	if err := sim.MarkRead(ctx, "3", "9"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	msgs, _ := sim.FetchHistory(ctx, "3", "9")
	if !msgs[0].IsRead() || msgs[1].IsRead() {
		t.Errorf("only the partner's message should be read: %+v", msgs)
	}

	msgs[0].ReadAt = nil
	again, _ := sim.FetchHistory(ctx, "3", "9")
	if !again[0].IsRead() {
		t.Error("FetchHistory must return copies")
	}

	online, err := sim.OnlineStatus(ctx, "9")
	if err != nil || online {
		t.Errorf("unknown user should be offline, got %v, %v", online, err)
	}
	sim.SetOnline("9", true)
	if online, _ := sim.OnlineStatus(ctx, "9"); !online {
		t.Error("expected user 9 online")
	}

	if err := sim.SendTyping(ctx, "3", "9", true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if !sim.IsTyping("3", "9") || sim.IsTyping("9", "3") {
		t.Error("typing flag recorded for the wrong direction")
	}
}

func TestSendWithFile(t *testing.T) {
	sim := newTestSim()

	echo, err := sim.SendWithFile(context.Background(), interfaces.FileUpload{
		SenderID:   "3",
		ReceiverID: "9",
		Text:       "passport",
		Filename:   "scan.pdf",
		MimeType:   "application/pdf",
		Body:       strings.NewReader("%PDF-1.4"),
	})
	if err != nil {
		t.Fatalf("SendWithFile: %v", err)
	}
	if echo.Attachment == nil || echo.Attachment.Size != 8 || echo.Attachment.Filename != "scan.pdf" {
		t.Errorf("unexpected attachment %+v", echo.Attachment)
	}
	if !strings.HasPrefix(echo.Attachment.URL, "sim://files/1/") {
		t.Errorf("unexpected attachment URL %q", echo.Attachment.URL)
	}
}

func TestLatencyHonorsCancellation(t *testing.T) {
	sim := newTestSim()
	sim.SetLatency(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sim.FetchHistory(ctx, "3", "9")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("latency did not honor cancellation")
	}
}

func TestConcurrentAccess(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = sim.SendMessage(ctx, interfaces.OutgoingMessage{SenderID: "3", ReceiverID: "9", Content: "x"})
				_, _ = sim.FetchHistory(ctx, "9", "3")
			}
		}()
	}
	wg.Wait()

	if got := sim.GetStats().MessageCount; got != 160 {
		t.Errorf("expected 160 messages, got %d", got)
	}
}
