package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/file"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/limits"
	"github.com/opd-ai/chatsync/messaging"
)

// Send failure kinds recorded in metrics.
const (
	failureText       = "text"
	failureAttachment = "attachment"
	failureTimeout    = "timeout"
)

// maxIDAttempts bounds the search for a free synthesized id when several
// messages are sent within the same millisecond.
const maxIDAttempts = 1000

// SendCoordinator shows locally sent messages immediately and reconciles
// them with the backend's confirmation.
//
// A sent message is appended to the store as pending, dispatched through the
// transport (text) or the attachment pipeline (files), and replaced in place
// by the server copy once it arrives. A failed send stays visible with
// DeliveryFailed until Retry succeeds.
type SendCoordinator struct {
	session    *Session
	pipeline   *file.Pipeline
	ackTimeout time.Duration

	mu      sync.Mutex
	acks    map[string]Timer
	uploads map[string]file.Descriptor
	closed  bool
}

func newSendCoordinator(s *Session, pipeline *file.Pipeline, ackTimeout time.Duration) *SendCoordinator {
	return &SendCoordinator{
		session:    s,
		pipeline:   pipeline,
		ackTimeout: ackTimeout,
		acks:       make(map[string]Timer),
		uploads:    make(map[string]file.Descriptor),
	}
}

// Pipeline returns the attachment pipeline, e.g. to observe upload progress.
func (c *SendCoordinator) Pipeline() *file.Pipeline {
	return c.pipeline
}

// Send creates a pending message, dispatches it and returns its latest
// state. The returned message is the confirmed server copy when the backend
// answers synchronously, the pending entry when the confirmation arrives
// later over the push channel, or the failed entry together with an error
// wrapping transport.ErrSend or file.ErrAttachmentUpload.
//
// Content that fails validation is rejected before anything is stored.
func (c *SendCoordinator) Send(ctx context.Context, content string, attachment *file.Descriptor) (messaging.Message, error) {
	if err := limits.ValidateContent(content, attachment != nil); err != nil {
		return messaging.Message{}, err
	}

	s := c.session
	pending := messaging.Message{
		ConversationID: s.chatID,
		SenderID:       s.selfID,
		ReceiverID:     s.partnerID,
		Content:        content,
		DeliveryState:  messaging.DeliveryPending,
		Source:         messaging.SourceOptimistic,
		ClientNonce:    uuid.NewString(),
	}
	if attachment != nil {
		desc := *attachment
		if path, err := file.LocalPath(desc.URI); err == nil {
			desc = file.Describe(desc, path)
		}
		pending.Attachment = &messaging.Attachment{
			Filename: desc.Filename,
			MimeType: desc.MimeType,
		}
	}

	var appendErr error
	if !s.guarded(func() { pending, appendErr = c.insert(pending) }) {
		return messaging.Message{}, ErrSessionClosed
	}
	if appendErr != nil {
		return messaging.Message{}, appendErr
	}

	if attachment != nil {
		c.mu.Lock()
		c.uploads[pending.ID] = *attachment
		c.mu.Unlock()
	}

	s.typing.MessageSent()
	s.notify(UpdateMessages)

	logrus.WithFields(logrus.Fields{
		"function":     "SendCoordinator.Send",
		"message_id":   pending.ID,
		"client_nonce": pending.ClientNonce,
		"attachment":   attachment != nil,
	}).Debug("Optimistic message appended")

	return c.dispatch(ctx, pending, attachment)
}

// Retry re-dispatches a failed local message under its original id and
// client nonce.
func (c *SendCoordinator) Retry(ctx context.Context, id string) (messaging.Message, error) {
	s := c.session

	var (
		msg     messaging.Message
		findErr error
	)
	ok := s.guarded(func() {
		m, found := s.store.Get(id)
		switch {
		case !found:
			findErr = fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		case m.Source != messaging.SourceOptimistic || m.DeliveryState != messaging.DeliveryFailed:
			findErr = fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, m.DeliveryState)
		default:
			s.store.SetDeliveryState(id, messaging.DeliveryPending)
			m.DeliveryState = messaging.DeliveryPending
			msg = m
		}
	})
	if !ok {
		return messaging.Message{}, ErrSessionClosed
	}
	if findErr != nil {
		return messaging.Message{}, findErr
	}

	var attachment *file.Descriptor
	c.mu.Lock()
	if desc, found := c.uploads[id]; found {
		attachment = &desc
	}
	c.mu.Unlock()
	if msg.Attachment != nil && attachment == nil {
		s.guarded(func() { s.store.SetDeliveryState(id, messaging.DeliveryFailed) })
		return msg, fmt.Errorf("%w: %s has no local file", ErrNotRetryable, id)
	}

	s.notify(UpdateMessages)

	logrus.WithFields(logrus.Fields{
		"function":     "SendCoordinator.Retry",
		"message_id":   id,
		"client_nonce": msg.ClientNonce,
	}).Info("Retrying failed message")

	return c.dispatch(ctx, msg, attachment)
}

// PendingAcks returns the number of push sends still waiting for their echo.
func (c *SendCoordinator) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

// insert appends pending under a synthesized id, moving its timestamp
// forward by a millisecond while the id is taken. Called under the session
// lock.
func (c *SendCoordinator) insert(pending messaging.Message) (messaging.Message, error) {
	s := c.session
	at := s.timeProvider.Now()
	var err error
	for i := 0; i < maxIDAttempts; i++ {
		pending.CreatedAt = at
		pending.ID = messaging.SyntheticID(s.selfID, at)
		if err = s.store.Append(pending); err == nil {
			return pending, nil
		}
		at = at.Add(time.Millisecond)
	}
	return pending, err
}

func (c *SendCoordinator) dispatch(ctx context.Context, pending messaging.Message, attachment *file.Descriptor) (messaging.Message, error) {
	s := c.session

	var (
		echo *messaging.Message
		err  error
		kind = failureText
	)
	if attachment != nil {
		kind = failureAttachment
		echo, err = c.pipeline.Upload(ctx, file.Request{
			SenderID:   pending.SenderID,
			ReceiverID: pending.ReceiverID,
			Text:       pending.Content,
			File:       *attachment,
		})
	} else {
		echo, err = s.transport.Send(ctx, interfaces.OutgoingMessage{
			SenderID:    pending.SenderID,
			ReceiverID:  pending.ReceiverID,
			Content:     pending.Content,
			ClientNonce: pending.ClientNonce,
			Timestamp:   pending.CreatedAt,
		})
	}

	if err != nil {
		c.fail(pending.ID, kind, err)
		pending.DeliveryState = messaging.DeliveryFailed
		return pending, err
	}
	if echo == nil {
		c.armAck(pending.ID)
		return pending, nil
	}
	return c.confirm(pending, *echo)
}

// confirm reconciles a synchronous server copy with the pending entry.
func (c *SendCoordinator) confirm(pending, echo messaging.Message) (messaging.Message, error) {
	s := c.session

	if echo.ClientNonce == "" {
		echo.ClientNonce = pending.ClientNonce
	}
	if echo.SenderID == "" {
		echo.SenderID = pending.SenderID
	}
	if echo.ReceiverID == "" {
		echo.ReceiverID = pending.ReceiverID
	}
	if echo.ConversationID == "" {
		echo.ConversationID = pending.ConversationID
	}
	if echo.CreatedAt.IsZero() {
		echo.CreatedAt = pending.CreatedAt
	}
	if echo.ID == "" {
		return c.accept(pending)
	}

	var result messaging.MergeResult
	if !s.guarded(func() { result = s.store.Merge([]messaging.Message{echo}, messaging.SourceHistory) }) {
		return pending, ErrSessionClosed
	}
	c.forget(pending.ID)
	s.metrics.ObserveMerge(messaging.SourceHistory.String(), result.Added, result.Reconciled)
	s.notify(UpdateMessages)

	logrus.WithFields(logrus.Fields{
		"function":   "SendCoordinator.confirm",
		"pending_id": pending.ID,
		"message_id": echo.ID,
		"reconciled": result.Reconciled,
	}).Debug("Message confirmed")

	if stored, ok := s.store.Get(echo.ID); ok {
		return stored, nil
	}
	return echo, nil
}

// accept handles a send the server took without returning its id. The entry
// shows as sent but keeps its local identity, so the next history or poll
// batch replaces it by nonce or content instead of adding a second copy.
func (c *SendCoordinator) accept(pending messaging.Message) (messaging.Message, error) {
	s := c.session
	if !s.guarded(func() { s.store.SetDeliveryState(pending.ID, messaging.DeliverySent) }) {
		return pending, ErrSessionClosed
	}
	c.forget(pending.ID)
	s.notify(UpdateMessages)

	logrus.WithFields(logrus.Fields{
		"function":   "SendCoordinator.accept",
		"pending_id": pending.ID,
	}).Debug("Message accepted without server id")

	if stored, ok := s.store.Get(pending.ID); ok {
		return stored, nil
	}
	pending.DeliveryState = messaging.DeliverySent
	return pending, nil
}

func (c *SendCoordinator) fail(id, kind string, err error) {
	s := c.session
	if !s.guarded(func() { s.store.SetDeliveryState(id, messaging.DeliveryFailed) }) {
		return
	}
	s.metrics.SendFailed(kind)

	logrus.WithFields(logrus.Fields{
		"function":   "SendCoordinator.fail",
		"message_id": id,
		"kind":       kind,
		"error":      err.Error(),
	}).Warn("Message send failed")

	s.notify(UpdateMessages)
}

// armAck starts the acknowledgment timeout of a push send.
func (c *SendCoordinator) armAck(id string) {
	if c.ackTimeout <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.acks[id]; ok {
		t.Stop()
	}
	c.acks[id] = c.session.timeProvider.AfterFunc(c.ackTimeout, func() { c.ackExpired(id) })
}

// ackExpired marks a push send failed when no echo replaced it in time.
func (c *SendCoordinator) ackExpired(id string) {
	c.mu.Lock()
	delete(c.acks, id)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	s := c.session
	expired := false
	live := s.guarded(func() {
		m, ok := s.store.Get(id)
		if ok && m.Source == messaging.SourceOptimistic && m.DeliveryState == messaging.DeliveryPending {
			s.store.SetDeliveryState(id, messaging.DeliveryFailed)
			expired = true
		}
	})
	if !live {
		s.dropStale("ack_timeout")
		return
	}
	if !expired {
		c.forget(id)
		return
	}
	s.metrics.SendFailed(failureTimeout)

	logrus.WithFields(logrus.Fields{
		"function":    "SendCoordinator.ackExpired",
		"message_id":  id,
		"ack_timeout": c.ackTimeout,
	}).Warn("No acknowledgment for sent message")

	s.notify(UpdateMessages)
}

// forget drops the retry state of a confirmed message.
func (c *SendCoordinator) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.uploads, id)
	if t, ok := c.acks[id]; ok {
		t.Stop()
		delete(c.acks, id)
	}
}

// close cancels every acknowledgment timer.
func (c *SendCoordinator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.acks {
		t.Stop()
		delete(c.acks, id)
	}
	c.uploads = make(map[string]file.Descriptor)
}
