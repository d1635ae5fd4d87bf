package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/limits"
	"github.com/opd-ai/chatsync/messaging"
)

// mockSender records uploads and consumes their bodies.
type mockSender struct {
	uploads []interfaces.FileUpload
	bodies  [][]byte
	err     error
}

func (m *mockSender) SendWithFile(ctx context.Context, upload interfaces.FileUpload) (*messaging.Message, error) {
	body, _ := io.ReadAll(upload.Body)
	m.uploads = append(m.uploads, upload)
	m.bodies = append(m.bodies, body)
	if m.err != nil {
		return nil, m.err
	}
	return &messaging.Message{
		ID:       "77",
		SenderID: upload.SenderID,
		Content:  upload.Text,
		Attachment: &messaging.Attachment{
			URL:      "https://cdn.example.com/77",
			Filename: upload.Filename,
			MimeType: upload.MimeType,
			Size:     int64(len(body)),
		},
	}, nil
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPipeline_UploadSingleRequest(t *testing.T) {
	path := writeTempFile(t, "Scan.PDF", "%PDF-1.4 passport")
	sender := &mockSender{}
	p := NewPipeline(sender)

	var progress []int64
	p.OnProgress(func(sent int64) { progress = append(progress, sent) })

	msg, err := p.Upload(context.Background(), Request{
		SenderID:   "3",
		ReceiverID: "9",
		Text:       "passport",
		File:       Descriptor{URI: "file://" + path},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "https://cdn.example.com/77", msg.Attachment.URL)

	require.Len(t, sender.uploads, 1)
	upload := sender.uploads[0]
	assert.Equal(t, "3", upload.SenderID)
	assert.Equal(t, "9", upload.ReceiverID)
	assert.Equal(t, "passport", upload.Text)
	assert.Equal(t, "Scan.PDF", upload.Filename)
	assert.Equal(t, "application/pdf", upload.MimeType)
	assert.Equal(t, int64(17), upload.Size)
	assert.Equal(t, "%PDF-1.4 passport", string(sender.bodies[0]))

	require.NotEmpty(t, progress)
	assert.Equal(t, int64(17), progress[len(progress)-1])
}

func TestPipeline_ExplicitDescriptorWins(t *testing.T) {
	path := writeTempFile(t, "blob", "data")
	sender := &mockSender{}

	_, err := NewPipeline(sender).Upload(context.Background(), Request{
		SenderID: "3", ReceiverID: "9",
		File: Descriptor{URI: path, MimeType: "image/jpeg", Filename: "photo.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", sender.uploads[0].Filename)
	assert.Equal(t, "image/jpeg", sender.uploads[0].MimeType)
}

func TestPipeline_Failures(t *testing.T) {
	dir := t.TempDir()
	big := writeTempFile(t, "big.bin", strings.Repeat("x", 100))
	longName := writeTempFile(t, "ok.txt", "x")

	tests := []struct {
		name    string
		setup   func(p *Pipeline, s *mockSender)
		desc    Descriptor
		wantErr error
	}{
		{"missing file", nil, Descriptor{URI: filepath.Join(dir, "nope.pdf")}, os.ErrNotExist},
		{"empty uri", nil, Descriptor{URI: "file://"}, nil},
		{"directory", nil, Descriptor{URI: dir}, nil},
		{"traversal", nil, Descriptor{URI: "file://../../etc/passwd"}, ErrDirectoryTraversal},
		{"too large", func(p *Pipeline, s *mockSender) { p.SetMaxSize(10) }, Descriptor{URI: big}, limits.ErrAttachmentTooLarge},
		{"name too long", nil, Descriptor{URI: longName, Filename: strings.Repeat("a", MaxFileNameLength+1)}, ErrFileNameTooLong},
		{"backend rejects", func(p *Pipeline, s *mockSender) { s.err = errors.New("413") }, Descriptor{URI: big}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &mockSender{}
			p := NewPipeline(sender)
			if tt.setup != nil {
				tt.setup(p, sender)
			}

			_, err := p.Upload(context.Background(), Request{SenderID: "3", ReceiverID: "9", File: tt.desc})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAttachmentUpload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		in   Descriptor
		path string
		want Descriptor
	}{
		{"from path", Descriptor{}, "/tmp/offer.pdf", Descriptor{Filename: "offer.pdf", MimeType: "application/pdf"}},
		{"unknown extension", Descriptor{}, "/tmp/data.zzz", Descriptor{Filename: "data.zzz", MimeType: "application/octet-stream"}},
		{"kept", Descriptor{Filename: "a.png", MimeType: "image/webp"}, "/tmp/x", Descriptor{Filename: "a.png", MimeType: "image/webp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.in, tt.path))
		})
	}
}

func TestValidatePath(t *testing.T) {
	got, err := ValidatePath("/sdcard/./docs//scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/sdcard/docs/scan.pdf"), got)

	_, err = ValidatePath("docs/../../secret")
	assert.ErrorIs(t, err, ErrDirectoryTraversal)
}
