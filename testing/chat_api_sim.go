package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/messaging"
)

// Operation names used in the call log and for fault injection.
const (
	OpFetchHistory = "history"
	OpSend         = "send"
	OpSendWithFile = "send-with-file"
	OpMarkRead     = "mark-read"
	OpTyping       = "typing"
	OpOnlineStatus = "online-status"
)

// ErrSimulatedFailure is returned by operations armed with FailNext and no
// explicit error.
var ErrSimulatedFailure = errors.New("simulated backend failure")

// CallRecord represents one backend call for test verification.
type CallRecord struct {
	Op        string
	UserID    string
	PeerID    string
	Timestamp int64
	Success   bool
	Error     error
}

// SimulationStats summarizes the simulated backend.
type SimulationStats struct {
	ConversationCount int
	MessageCount      int
	TotalCalls        int
	SuccessfulCalls   int
	FailedCalls       int
}

// SimulatedChatAPI is an in-memory interfaces.ChatAPI. Messages are stored
// per conversation and receive sequential numeric ids.
type SimulatedChatAPI struct {
	conversations map[string][]messaging.Message
	online        map[string]bool
	typing        map[string]bool
	faults        map[string][]error
	callLog       []CallRecord
	nextID        int
	now           func() time.Time
	latency       time.Duration
	mu            sync.RWMutex
}

var _ interfaces.ChatAPI = (*SimulatedChatAPI)(nil)

// NewSimulatedChatAPI creates an empty simulated backend.
func NewSimulatedChatAPI() *SimulatedChatAPI {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedChatAPI",
	}).Info("Creating simulated chat backend")

	return &SimulatedChatAPI{
		conversations: make(map[string][]messaging.Message),
		online:        make(map[string]bool),
		typing:        make(map[string]bool),
		faults:        make(map[string][]error),
		nextID:        1,
		now:           time.Now,
	}
}

// SetClock replaces the time source used for server timestamps.
func (s *SimulatedChatAPI) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetLatency delays every call by d, honoring context cancellation.
func (s *SimulatedChatAPI) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetOnline sets a user's presence flag.
func (s *SimulatedChatAPI) SetOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = online
}

// IsTyping reports the last typing flag userID relayed to receiverID.
func (s *SimulatedChatAPI) IsTyping(userID, receiverID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[userID+"->"+receiverID]
}

// FailNext makes the next call of op fail with err, or with
// ErrSimulatedFailure when err is nil. Calls queue up in order.
func (s *SimulatedChatAPI) FailNext(op string, err error) {
	if err == nil {
		err = ErrSimulatedFailure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Inject stores a message as if another client had sent it. A missing id or
// timestamp is assigned by the backend. It returns the stored copy.
func (s *SimulatedChatAPI) Inject(msg messaging.Message) messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(msg)
}

// FetchHistory implements interfaces.HistoryFetcher. An unknown conversation
// is returned as an empty history.
func (s *SimulatedChatAPI) FetchHistory(ctx context.Context, userID, receiverID string) ([]messaging.Message, error) {
	if err := s.begin(ctx, OpFetchHistory, userID, receiverID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.conversations[messaging.ChatID(userID, receiverID)]
	out := make([]messaging.Message, len(stored))
	for i, m := range stored {
		if m.ReadAt != nil {
			readAt := *m.ReadAt
			m.ReadAt = &readAt
		}
		if m.Attachment != nil {
			a := *m.Attachment
			m.Attachment = &a
		}
		out[i] = m
	}
	return out, nil
}

// SendMessage implements interfaces.MessageSender.
func (s *SimulatedChatAPI) SendMessage(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error) {
	if err := s.begin(ctx, OpSend, msg.SenderID, msg.ReceiverID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.storeLocked(messaging.Message{
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Content:     msg.Content,
		ClientNonce: msg.ClientNonce,
	})

	logrus.WithFields(logrus.Fields{
		"function":   "SimulatedChatAPI.SendMessage",
		"message_id": stored.ID,
		"chat_id":    stored.ConversationID,
	}).Debug("Simulated message stored")

	return &stored, nil
}

// SendWithFile implements interfaces.AttachmentSender. The body is consumed
// and its length recorded; nothing is persisted.
func (s *SimulatedChatAPI) SendWithFile(ctx context.Context, upload interfaces.FileUpload) (*messaging.Message, error) {
	if err := s.begin(ctx, OpSendWithFile, upload.SenderID, upload.ReceiverID); err != nil {
		return nil, err
	}

	var size int64
	if upload.Body != nil {
		n, err := io.Copy(io.Discard, upload.Body)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		size = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	stored := s.storeLocked(messaging.Message{
		SenderID:   upload.SenderID,
		ReceiverID: upload.ReceiverID,
		Content:    upload.Text,
		Attachment: &messaging.Attachment{
			URL:      fmt.Sprintf("sim://files/%d/%s", id, upload.Filename),
			MimeType: upload.MimeType,
			Filename: upload.Filename,
			Size:     size,
		},
	})
	return &stored, nil
}

// MarkRead implements interfaces.ReadMarker.
func (s *SimulatedChatAPI) MarkRead(ctx context.Context, userID, senderID string) error {
	if err := s.begin(ctx, OpMarkRead, userID, senderID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	msgs := s.conversations[messaging.ChatID(userID, senderID)]
	for i := range msgs {
		if msgs[i].SenderID == senderID && msgs[i].ReadAt == nil {
			readAt := now
			msgs[i].ReadAt = &readAt
		}
	}
	return nil
}

// SendTyping implements interfaces.TypingNotifier.
func (s *SimulatedChatAPI) SendTyping(ctx context.Context, userID, receiverID string, isTyping bool) error {
	if err := s.begin(ctx, OpTyping, userID, receiverID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing[userID+"->"+receiverID] = isTyping
	return nil
}

// OnlineStatus implements interfaces.PresenceProber.
func (s *SimulatedChatAPI) OnlineStatus(ctx context.Context, userID string) (bool, error) {
	if err := s.begin(ctx, OpOnlineStatus, userID, ""); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID], nil
}

// GetCallLog returns a copy of the call log.
func (s *SimulatedChatAPI) GetCallLog() []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := make([]CallRecord, len(s.callLog))
	copy(log, s.callLog)
	return log
}

// CallCount returns how many calls of op were made.
func (s *SimulatedChatAPI) CallCount(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, record := range s.callLog {
		if record.Op == op {
			n++
		}
	}
	return n
}

// ClearCallLog clears the call log for test cleanup.
func (s *SimulatedChatAPI) ClearCallLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callLog = nil
}

// GetStats returns statistics about the simulation.
func (s *SimulatedChatAPI) GetStats() SimulationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SimulationStats{
		ConversationCount: len(s.conversations),
		TotalCalls:        len(s.callLog),
	}
	for _, msgs := range s.conversations {
		stats.MessageCount += len(msgs)
	}
	for _, record := range s.callLog {
		if record.Success {
			stats.SuccessfulCalls++
		} else {
			stats.FailedCalls++
		}
	}
	return stats
}

// begin applies latency and fault injection and records the call.
func (s *SimulatedChatAPI) begin(ctx context.Context, op, userID, peerID string) error {
	s.mu.RLock()
	latency := s.latency
	s.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		if queued := s.faults[op]; len(queued) > 0 {
			err = queued[0]
			s.faults[op] = queued[1:]
		}
	}

	s.callLog = append(s.callLog, CallRecord{
		Op:        op,
		UserID:    userID,
		PeerID:    peerID,
		Timestamp: s.now().UnixNano(),
		Success:   err == nil,
		Error:     err,
	})

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedChatAPI." + op,
			"user_id":  userID,
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Simulated call failed")
	}
	return err
}

func (s *SimulatedChatAPI) storeLocked(msg messaging.Message) messaging.Message {
	if msg.ID == "" {
		msg.ID = strconv.Itoa(s.nextID)
		s.nextID++
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.ConversationID = messaging.ChatID(msg.SenderID, msg.ReceiverID)
	msg.DeliveryState = messaging.DeliverySent
	msg.Source = messaging.SourceHistory

	msgs := append(s.conversations[msg.ConversationID], msg)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	s.conversations[msg.ConversationID] = msgs
	return msg
}
