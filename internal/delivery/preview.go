package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Uploader stores preview files remotely and returns their URL.
type Uploader interface {
	UploadRaw(ctx context.Context, data []byte, name string) (string, error)
}

// PreviewTransport is the dry-run transport. Messages are written to a
// directory, or uploaded when an Uploader is set, instead of being mailed.
type PreviewTransport struct {
	dir      string
	uploader Uploader
	logger   logrus.FieldLogger
	seq      atomic.Int64
}

// NewPreviewTransport creates a dry-run transport. uploader may be nil.
func NewPreviewTransport(dir string, uploader Uploader, logger logrus.FieldLogger) *PreviewTransport {
	return &PreviewTransport{dir: dir, uploader: uploader, logger: logger}
}

// Dial implements Transport.
func (t *PreviewTransport) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return previewSession{t: t}, nil
}

type previewSession struct {
	t *PreviewTransport
}

func (s previewSession) Send(ctx context.Context, msg *Message) error {
	t := s.t
	base := fmt.Sprintf("%s_%03d_%s", time.Now().Format("20060102T150405"), t.seq.Add(1), slug(firstOr(msg.To, "unknown")))
	files := map[string][]byte{"index.html": []byte(msg.HTML)}
	for _, p := range append(append([]Part(nil), msg.Inline...), msg.Attachments...) {
		files[p.Name] = p.Data
	}

	if t.uploader != nil {
		for name, data := range files {
			url, err := t.uploader.UploadRaw(ctx, data, base+"_"+name)
			if err != nil {
				return fmt.Errorf("upload preview %s: %w", name, err)
			}
			t.logger.WithFields(logrus.Fields{"to": msg.To, "file": name, "url": url}).Info("preview uploaded")
		}
		return nil
	}

	dir := filepath.Join(t.dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create preview dir: %w", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(name)), data, 0o644); err != nil {
			return fmt.Errorf("write preview %s: %w", name, err)
		}
	}
	t.logger.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject, "dir": dir}).Info("preview written")
	return nil
}

func (previewSession) Close() error { return nil }

var unsafeChars = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func firstOr(list []string, fallback string) string {
	if len(list) == 0 {
		return fallback
	}
	return list[0]
}
