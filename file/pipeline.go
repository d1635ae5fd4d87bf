// Package file uploads a message attachment from local storage to the chat
// backend.
//
// An attachment is sent together with its message text as a single multipart
// request. There is no chunking and no resumable upload.
//
// Example:
//
//	p := file.NewPipeline(api)
//	p.OnProgress(func(sent int64) { fmt.Println("sent", sent) })
//	msg, err := p.Upload(ctx, file.Request{
//	    SenderID:   "3",
//	    ReceiverID: "9",
//	    Text:       "passport scan",
//	    File:       file.Descriptor{URI: "file:///sdcard/scan.pdf"},
//	})
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/limits"
	"github.com/opd-ai/chatsync/messaging"
)

// ErrAttachmentUpload indicates the attachment could not be read or uploaded.
var ErrAttachmentUpload = errors.New("attachment upload error")

// ErrDirectoryTraversal indicates a path that escapes its directory.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrFileNameTooLong indicates that a file name exceeds the maximum allowed length.
var ErrFileNameTooLong = errors.New("file name too long")

// MaxFileNameLength is the maximum allowed file name length in bytes.
const MaxFileNameLength = 255

const defaultMimeType = "application/octet-stream"

// Descriptor identifies a local file picked for upload. MimeType and
// Filename are derived from the URI when empty.
type Descriptor struct {
	URI      string
	MimeType string
	Filename string
}

// Request is a message with one attachment.
type Request struct {
	SenderID   string
	ReceiverID string
	Text       string
	File       Descriptor
}

// Pipeline reads local files and hands them to an AttachmentSender.
type Pipeline struct {
	sender  interfaces.AttachmentSender
	maxSize int64

	mu               sync.Mutex
	progressCallback func(sent int64)
}

// NewPipeline creates a pipeline without a size limit.
func NewPipeline(sender interfaces.AttachmentSender) *Pipeline {
	return &Pipeline{sender: sender, maxSize: limits.UnlimitedAttachmentSize}
}

// SetMaxSize sets the largest accepted file in bytes. Zero disables the check.
func (p *Pipeline) SetMaxSize(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = n
}

// OnProgress sets a callback receiving the number of bytes read so far.
func (p *Pipeline) OnProgress(callback func(sent int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progressCallback = callback
}

// Upload sends the message and its attachment in one request and returns the
// server copy. Every failure wraps ErrAttachmentUpload.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*messaging.Message, error) {
	p.mu.Lock()
	maxSize, progress := p.maxSize, p.progressCallback
	p.mu.Unlock()

	path, err := LocalPath(req.File.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUpload, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUpload, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAttachmentUpload, path)
	}
	if err := limits.ValidateAttachmentSize(info.Size(), maxSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUpload, err)
	}

	desc := Describe(req.File, path)
	if len(desc.Filename) > MaxFileNameLength {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUpload, ErrFileNameTooLong)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUpload, err)
	}
	defer f.Close()

	logrus.WithFields(logrus.Fields{
		"function":    "Pipeline.Upload",
		"sender_id":   req.SenderID,
		"receiver_id": req.ReceiverID,
		"file_name":   desc.Filename,
		"mime_type":   desc.MimeType,
		"size":        humanize.Bytes(uint64(info.Size())),
	}).Info("Uploading attachment")

	var body io.Reader = f
	if progress != nil {
		body = &progressReader{r: f, report: progress}
	}

	msg, err := p.sender.SendWithFile(ctx, interfaces.FileUpload{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		Filename:   desc.Filename,
		MimeType:   desc.MimeType,
		Size:       info.Size(),
		Body:       body,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Pipeline.Upload",
			"file_name": desc.Filename,
			"error":     err.Error(),
		}).Warn("Attachment upload failed")
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUpload, err)
	}
	return msg, nil
}

// LocalPath converts a file URI or plain path into a cleaned local path.
func LocalPath(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	if path == "" {
		return "", errors.New("empty file uri")
	}
	return ValidatePath(path)
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return filepath.Clean(path), nil
}

// Describe fills a missing filename from path and a missing MIME type from
// the filename extension.
func Describe(d Descriptor, path string) Descriptor {
	if d.Filename == "" {
		d.Filename = filepath.Base(path)
	}
	if d.MimeType == "" {
		d.MimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(d.Filename)))
	}
	if d.MimeType == "" {
		d.MimeType = defaultMimeType
	}
	return d
}

// progressReader reports the running byte count after each read.
type progressReader struct {
	r      io.Reader
	n      int64
	report func(int64)
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.n += int64(n)
		pr.report(pr.n)
	}
	return n, err
}
