package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/chatsync"
	"github.com/opd-ai/chatsync/file"
	"github.com/opd-ai/chatsync/messaging"
)

func init() {
	sendCmd.Flags().StringP("file", "f", "", "attach a local file")
	sendCmd.Flags().Duration("wait", defaultDeliveryWait, "how long to wait for the server to confirm the message")
	rootCmd.AddCommand(tailCmd, sendCmd, chatCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail [partner-id]",
	Short: "Print the conversation and follow new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], false, func(ctx context.Context, s *chatsync.Session) error {
			p := newPrinter(cmd.OutOrStdout(), s)
			s.OnUpdate(p.Update)
			p.Flush()
			<-ctx.Done()
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [partner-id] [text...]",
	Short: "Send one message, optionally with an attachment",
	Long: `Sends one message and prints it with its delivery state.

Over the push channel the server confirms a message after the send returns.
send waits up to --wait for that confirmation; a message still shown as
pending afterwards may yet be delivered, or fail once the acknowledgment
timeout passes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		path, _ := cmd.Flags().GetString("file")
		wait, _ := cmd.Flags().GetDuration("wait")
		return withSession(cmd, args[0], false, func(ctx context.Context, s *chatsync.Session) error {
			msg, err := sendLine(ctx, s, cmd.OutOrStdout(), text, path)
			if err != nil {
				return err
			}
			msg = awaitDelivery(ctx, s, msg, wait)
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(msg, s.SelfID()))
			return nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [partner-id]",
	Short: "Interactive conversation on stdin",
	Long: `Each input line is sent as a message. Commands:
  /file <path> [caption]  send an attachment
  /retry <id>             resend a failed message
  /read                   mark the partner's messages read
  /reconnect              reopen the transport after a failure`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], true, func(ctx context.Context, s *chatsync.Session) error {
			p := newPrinter(cmd.OutOrStdout(), s)
			s.OnUpdate(p.Update)
			p.Flush()
			if s.State() == chatsync.StateFailed {
				fmt.Fprintf(cmd.OutOrStdout(), "  [%s] %v, /reconnect to retry\n", s.State(), s.Err())
			}
			return chatLoop(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

// withSession loads configuration, opens a conversation with partnerID and
// runs fn until it returns or the process is interrupted. With keepFailed fn
// also runs when the transport could not be opened.
func withSession(cmd *cobra.Command, partnerID string, keepFailed bool, fn func(ctx context.Context, s *chatsync.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	s, err := openConversation(ctx, client, partnerID, keepFailed)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "withSession",
		"chat_id":  s.ChatID(),
		"mode":     s.Mode(),
		"state":    s.State().String(),
	}).Info("Conversation opened")
	return fn(ctx, s)
}

// openConversation opens the session with partnerID. A session whose
// transport failed to open is kept when keepFailed is set, since Reconnect
// can still bring it up.
func openConversation(ctx context.Context, client *chatsync.Client, partnerID string, keepFailed bool) (*chatsync.Session, error) {
	s, err := client.OpenSession(ctx, partnerID)
	if err == nil {
		return s, nil
	}
	if s == nil || !keepFailed {
		if s != nil {
			s.Close()
		}
		return nil, fmt.Errorf("open conversation with %s: %w", partnerID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "openConversation",
		"partner_id": partnerID,
		"error":      err.Error(),
	}).Warn("Transport failed to open, continuing with a failed session")
	return s, nil
}

const (
	defaultDeliveryWait = 10 * time.Second
	deliveryPollEvery   = 50 * time.Millisecond
)

// awaitDelivery waits up to timeout for a pending msg to be confirmed or to
// fail, and returns its latest copy. The copy is found by id or, once the
// server copy replaced the local entry, by client nonce.
func awaitDelivery(ctx context.Context, s *chatsync.Session, msg messaging.Message, timeout time.Duration) messaging.Message {
	if msg.DeliveryState != messaging.DeliveryPending || timeout <= 0 {
		return msg
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(deliveryPollEvery)
	defer ticker.Stop()

	for {
		if latest, ok := deliveryOf(s, msg); ok {
			msg = latest
		}
		if msg.DeliveryState != messaging.DeliveryPending {
			return msg
		}
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function":   "awaitDelivery",
				"message_id": msg.ID,
				"timeout":    timeout,
			}).Debug("Message still pending")
			return msg
		case <-ticker.C:
		}
	}
}

func deliveryOf(s *chatsync.Session, msg messaging.Message) (messaging.Message, bool) {
	if m, ok := s.Message(msg.ID); ok {
		return m, true
	}
	if msg.ClientNonce == "" {
		return messaging.Message{}, false
	}
	for _, m := range s.Messages() {
		if m.ClientNonce == msg.ClientNonce {
			return m, true
		}
	}
	return messaging.Message{}, false
}

func chatLoop(ctx context.Context, s *chatsync.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			s.Keystroke()
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := runLine(ctx, s, out, line); err != nil {
				fmt.Fprintf(out, "  error: %v\n", err)
			}
		}
	}
}

func runLine(ctx context.Context, s *chatsync.Session, out io.Writer, line string) error {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return nil
	case "/retry":
		_, err := s.Retry(ctx, strings.TrimSpace(rest))
		return err
	case "/read":
		ids, err := s.MarkRead(ctx)
		if err == nil {
			fmt.Fprintf(out, "  marked %d read\n", len(ids))
		}
		return err
	case "/reconnect":
		return s.Reconnect(ctx)
	case "/file":
		path, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
		_, err := sendLine(ctx, s, out, caption, path)
		return err
	default:
		_, err := sendLine(ctx, s, out, line, "")
		return err
	}
}

// sendLine sends text, or text with the file at path when path is set.
func sendLine(ctx context.Context, s *chatsync.Session, out io.Writer, text, path string) (messaging.Message, error) {
	if path == "" {
		return s.Send(ctx, text)
	}
	if info, err := os.Stat(path); err == nil {
		total := uint64(info.Size())
		s.Coordinator().Pipeline().OnProgress(func(sent int64) {
			fmt.Fprintf(out, "\r  uploading %s / %s", humanize.Bytes(uint64(sent)), humanize.Bytes(total))
			if uint64(sent) >= total {
				fmt.Fprintln(out)
			}
		})
	}
	return s.SendFile(ctx, text, file.Descriptor{URI: path})
}
