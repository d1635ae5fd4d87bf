package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/limits"
	"github.com/opd-ai/chatsync/messaging"
)

// REST endpoint paths, relative to the API base URL.
const (
	pathHistory      = "/messages/history/%s/%s"
	pathSend         = "/messages/send"
	pathSendWithFile = "/messages/send-with-file"
	pathMarkRead     = "/messages/mark-read"
	pathTyping       = "/messages/typing"
	pathOnlineStatus = "/users/%s/online-status"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// APIClient implements interfaces.ChatAPI over the backend's REST protocol.
type APIClient struct {
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
	limiter *rate.Limiter
}

var _ interfaces.ChatAPI = (*APIClient)(nil)

// NewAPIClient creates a REST client. A zero timeout leaves requests
// unbounded unless the context carries a deadline; a zero rps disables rate
// limiting.
func NewAPIClient(baseURL string, timeout time.Duration, rps float64) *APIClient {
	c := &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &fasthttp.Client{
			Name:                "chatsync",
			MaxResponseBodySize: limits.MaxFrameBytes,
		},
		timeout: timeout,
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewAPIClient",
		"base_url": c.baseURL,
		"timeout":  timeout,
		"rps":      rps,
	}).Debug("Created REST API client")

	return c
}

// FetchHistory implements interfaces.HistoryFetcher. A 404 is an empty
// conversation.
func (c *APIClient) FetchHistory(ctx context.Context, userID, receiverID string) ([]messaging.Message, error) {
	path := fmt.Sprintf(pathHistory, url.PathEscape(userID), url.PathEscape(receiverID))
	body, err := c.do(ctx, "history", fasthttp.MethodGet, path, "", nil)
	if err != nil {
		if isNotFound(err) {
			logrus.WithFields(logrus.Fields{
				"function":    "APIClient.FetchHistory",
				"user_id":     userID,
				"receiver_id": receiverID,
			}).Debug("History not found, treating as empty conversation")
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrHistoryFetch, err)
	}

	msgs, err := decodeMessages(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryFetch, err)
	}
	return msgs, nil
}

// SendMessage implements interfaces.MessageSender.
func (c *APIClient) SendMessage(ctx context.Context, msg interfaces.OutgoingMessage) (*messaging.Message, error) {
	payload, err := json.Marshal(sendMessagePayload{
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Message:     msg.Content,
		Timestamp:   formatTimestamp(msg.Timestamp),
		ClientNonce: msg.ClientNonce,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrSend, err)
	}

	body, err := c.do(ctx, "send", fasthttp.MethodPost, pathSend, "application/json", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}
	return decodeEcho(body, msg.ClientNonce)
}

// SendWithFile implements interfaces.AttachmentSender. The whole file is
// buffered into one multipart body and posted in a single request.
func (c *APIClient) SendWithFile(ctx context.Context, upload interfaces.FileUpload) (*messaging.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"sender_id", upload.SenderID},
		{"receiver_id", upload.ReceiverID},
		{"message", upload.Text},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("%w: write field %s: %w", ErrSend, f[0], err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(upload.Filename)))
	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("%w: create file part: %w", ErrSend, err)
	}
	if upload.Body != nil {
		if _, err := io.Copy(part, upload.Body); err != nil {
			return nil, fmt.Errorf("%w: read file: %w", ErrSend, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: close multipart: %w", ErrSend, err)
	}

	body, err := c.do(ctx, "send-with-file", fasthttp.MethodPost, pathSendWithFile, w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSend, err)
	}
	return decodeEcho(body, "")
}

// MarkRead implements interfaces.ReadMarker.
func (c *APIClient) MarkRead(ctx context.Context, userID, senderID string) error {
	payload, err := json.Marshal(markReadPayload{UserID: userID, SenderID: senderID})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "mark-read", fasthttp.MethodPost, pathMarkRead, "application/json", payload)
	return err
}

// SendTyping implements interfaces.TypingNotifier.
func (c *APIClient) SendTyping(ctx context.Context, userID, receiverID string, isTyping bool) error {
	payload, err := json.Marshal(typingPayload{
		UserID:     wireID(userID),
		ReceiverID: wireID(receiverID),
		IsTyping:   isTyping,
	})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "typing", fasthttp.MethodPost, pathTyping, "application/json", payload)
	return err
}

// OnlineStatus implements interfaces.PresenceProber.
func (c *APIClient) OnlineStatus(ctx context.Context, userID string) (bool, error) {
	path := fmt.Sprintf(pathOnlineStatus, url.PathEscape(userID))
	body, err := c.do(ctx, "online-status", fasthttp.MethodGet, path, "", nil)
	if err != nil {
		return false, err
	}
	var status onlineStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return false, fmt.Errorf("online-status: decode: %w", err)
	}
	return status.IsOnline, nil
}

// do performs one request and returns a copy of the response body for 2xx
// answers, or a *StatusError otherwise.
func (c *APIClient) do(ctx context.Context, op, method, path, contentType string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit: %w", op, err)
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if payload != nil {
		req.SetBody(payload)
	}

	var err error
	if deadline, ok := c.deadline(ctx); ok {
		err = c.client.DoDeadline(req, resp, deadline)
	} else {
		err = c.client.Do(req, resp)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "APIClient.do",
			"op":       op,
			"method":   method,
			"path":     path,
			"error":    err.Error(),
		}).Debug("Request failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	code := resp.StatusCode()
	body := append([]byte(nil), resp.Body()...)
	if code < 200 || code > 299 {
		return nil, &StatusError{Op: op, Code: code, Body: truncate(string(body), 200)}
	}
	return body, nil
}

func (c *APIClient) deadline(ctx context.Context) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if c.timeout > 0 {
		bound := time.Now().Add(c.timeout)
		if !ok || bound.Before(deadline) {
			return bound, true
		}
	}
	return deadline, ok
}

// decodeEcho decodes the server copy of a sent message. An empty body is not
// an error; the echo will then arrive with the next fetch.
func decodeEcho(body []byte, nonce string) (*messaging.Message, error) {
	msgs, err := decodeMessages(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode echo: %w", ErrSend, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	echo := msgs[0]
	if echo.ClientNonce == "" {
		echo.ClientNonce = nonce
	}
	return &echo, nil
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == fasthttp.StatusNotFound
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
