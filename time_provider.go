package chatsync

import "github.com/opd-ai/chatsync/typing"

// TimeProvider is an interface for getting the current time and scheduling
// callbacks. One provider drives the typing timer, presence timestamps, read
// receipts and acknowledgment timeouts of every session.
type TimeProvider = typing.TimeProvider

// Timer is a stoppable pending callback returned by TimeProvider.AfterFunc.
type Timer = typing.Timer

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider = typing.DefaultTimeProvider
