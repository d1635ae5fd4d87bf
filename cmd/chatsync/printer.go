package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/opd-ai/chatsync"
	"github.com/opd-ai/chatsync/messaging"
)

// printer writes conversation updates as lines. Each message is printed
// once per delivery state it reaches.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	session *chatsync.Session
	seen    map[string]messaging.DeliveryState
	typing  bool
	online  bool
}

func newPrinter(out io.Writer, s *chatsync.Session) *printer {
	return &printer{out: out, session: s, seen: make(map[string]messaging.DeliveryState)}
}

// Update is a chatsync.Session OnUpdate callback.
func (p *printer) Update(kind chatsync.UpdateKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case chatsync.UpdateMessages:
		p.printMessagesLocked()
	case chatsync.UpdateTyping:
		typing := p.session.TypingPeer()
		if typing != p.typing {
			p.typing = typing
			if typing {
				fmt.Fprintf(p.out, "  %s is typing...\n", p.session.PartnerID())
			}
		}
	case chatsync.UpdatePresence:
		online, known := p.session.PartnerOnline()
		if known && online != p.online {
			p.online = online
			if online {
				fmt.Fprintf(p.out, "  %s is online\n", p.session.PartnerID())
			} else {
				fmt.Fprintf(p.out, "  %s went offline, last seen %s\n", p.session.PartnerID(), lastSeen(p.session.PartnerLastSeen()))
			}
		}
	case chatsync.UpdateState:
		fmt.Fprintf(p.out, "  [%s]", p.session.State())
		if err := p.session.Err(); err != nil {
			fmt.Fprintf(p.out, " %v", err)
		}
		fmt.Fprintln(p.out)
	}
}

// Flush prints messages that arrived before the callback was registered.
func (p *printer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printMessagesLocked()
}

func (p *printer) printMessagesLocked() {
	for _, m := range p.session.Messages() {
		if state, ok := p.seen[m.ID]; ok && state == m.DeliveryState {
			continue
		}
		p.seen[m.ID] = m.DeliveryState
		fmt.Fprintln(p.out, formatMessage(m, p.session.SelfID()))
	}
}

func formatMessage(m messaging.Message, selfID string) string {
	who := m.SenderID
	if m.SenderID == selfID {
		who = "me"
	}
	line := fmt.Sprintf("%s %-6s %s", m.CreatedAt.Local().Format("15:04:05"), who, m.Content)
	if m.Attachment != nil {
		line += fmt.Sprintf(" [%s %s]", m.Attachment.Filename, m.Attachment.MimeType)
	}
	if m.SenderID == selfID {
		switch {
		case m.DeliveryState != messaging.DeliverySent:
			line += fmt.Sprintf(" (%s, id %s)", m.DeliveryState, m.ID)
		case m.IsRead():
			line += " (read)"
		}
	}
	return line
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
