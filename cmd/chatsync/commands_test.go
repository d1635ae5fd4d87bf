package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync"
	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/messaging"
	simtesting "github.com/opd-ai/chatsync/testing"
	"github.com/opd-ai/chatsync/transport"
)

func openSimSession(t *testing.T) (*chatsync.Session, *simtesting.SimulatedChatAPI) {
	t.Helper()
	cfg := config.Default()
	cfg.SelfID = "3"
	cfg.Transport.Mode = "sim"
	cfg.Transport.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Session.PresenceInterval = 0
	require.NoError(t, cfg.Validate())

	client, err := chatsync.New(cfg.Options(nil))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	sim := client.Factory().Simulation()
	sim.Inject(messaging.Message{SenderID: "9", ReceiverID: "3", Content: "hello"})

	s, err := client.OpenSession(context.Background(), "9")
	require.NoError(t, err)
	return s, sim
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	read := at.Add(time.Minute)

	tests := []struct {
		name string
		msg  messaging.Message
		want []string
	}{
		{"partner", messaging.Message{ID: "1", SenderID: "9", Content: "hi", CreatedAt: at, DeliveryState: messaging.DeliverySent}, []string{"10:00:00", "9", "hi"}},
		{"own pending", messaging.Message{ID: "tmp", SenderID: "3", Content: "yo", CreatedAt: at}, []string{"me", "(pending, id tmp)"}},
		{"own read", messaging.Message{ID: "2", SenderID: "3", Content: "yo", CreatedAt: at, DeliveryState: messaging.DeliverySent, ReadAt: &read}, []string{"(read)"}},
		{"attachment", messaging.Message{ID: "3", SenderID: "9", CreatedAt: at, DeliveryState: messaging.DeliverySent,
			Attachment: &messaging.Attachment{Filename: "visa.pdf", MimeType: "application/pdf"}}, []string{"[visa.pdf application/pdf]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatMessage(tt.msg, "3")
			for _, want := range tt.want {
				assert.Contains(t, line, want)
			}
		})
	}
}

func TestRunLine(t *testing.T) {
	s, sim := openSimSession(t)
	var out bytes.Buffer
	ctx := context.Background()

	require.NoError(t, runLine(ctx, s, &out, "  "))
	require.NoError(t, runLine(ctx, s, &out, "see you at nine"))
	assert.Equal(t, 1, sim.CallCount(simtesting.OpSend))

	path := filepath.Join(t.TempDir(), "passport.txt")
	require.NoError(t, os.WriteFile(path, []byte("scan"), 0o600))
	require.NoError(t, runLine(ctx, s, &out, "/file "+path+" my passport"))
	assert.Equal(t, 1, sim.CallCount(simtesting.OpSendWithFile))
	assert.Contains(t, out.String(), "uploading 4 B / 4 B")

	require.NoError(t, runLine(ctx, s, &out, "/read"))
	assert.Contains(t, out.String(), "marked")

	assert.Error(t, runLine(ctx, s, &out, "/retry nope"))
}

func TestPrinter_PrintsEachStateOnce(t *testing.T) {
	s, _ := openSimSession(t)
	var out bytes.Buffer
	p := newPrinter(&out, s)

	p.Flush()
	p.Update(chatsync.UpdateMessages)
	assert.Equal(t, 1, strings.Count(out.String(), "hello"))
}

func TestOpenConversation_FailedTransport(t *testing.T) {
	// Nothing listens on addr once the server is closed.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	tests := []struct {
		name       string
		keepFailed bool
	}{
		{"chat keeps the session for reconnect", true},
		{"send gives up", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.SelfID = "3"
			cfg.Transport.Mode = "push"
			cfg.Transport.SocketURL = "ws://" + addr + "/socket"
			cfg.Transport.APIBaseURL = "http://" + addr
			cfg.Session.PresenceInterval = 0
			require.NoError(t, cfg.Validate())

			client, err := chatsync.New(cfg.Options(nil))
			require.NoError(t, err)
			defer client.Close()

			s, err := openConversation(context.Background(), client, "9", tt.keepFailed)
			if !tt.keepFailed {
				assert.ErrorIs(t, err, transport.ErrConnection)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			assert.Equal(t, chatsync.StateFailed, s.State())
			assert.ErrorIs(t, s.Err(), transport.ErrConnection)
		})
	}
}

func TestAwaitDelivery(t *testing.T) {
	s, sim := openSimSession(t)
	ctx := context.Background()

	t.Run("already sent", func(t *testing.T) {
		msg := messaging.Message{ID: "1", SenderID: "3", DeliveryState: messaging.DeliverySent}
		assert.Equal(t, msg, awaitDelivery(ctx, s, msg, time.Hour))
	})

	t.Run("confirmed by a later server copy", func(t *testing.T) {
		local := messaging.Message{ID: "local-1", SenderID: "3", ReceiverID: "9", Content: "on my way", ClientNonce: "n-1"}
		stored := sim.Inject(messaging.Message{SenderID: "3", ReceiverID: "9", Content: "on my way", ClientNonce: "n-1"})

		got := awaitDelivery(ctx, s, local, 2*time.Second)
		assert.Equal(t, stored.ID, got.ID)
		assert.Equal(t, messaging.DeliverySent, got.DeliveryState)
	})

	t.Run("gives up after the wait", func(t *testing.T) {
		local := messaging.Message{ID: "local-2", SenderID: "3", ReceiverID: "9", Content: "lost", ClientNonce: "n-2"}
		start := time.Now()
		got := awaitDelivery(ctx, s, local, 100*time.Millisecond)
		assert.Equal(t, local, got)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})
}
