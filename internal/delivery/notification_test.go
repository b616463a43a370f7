package delivery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradaccess/internal/logging"
	"gradaccess/internal/model"
)

type stubNotificationStore struct {
	students []model.Student
	marked   map[int64]time.Time
}

func (s *stubNotificationStore) ListPendingNotifications(context.Context) ([]model.Student, error) {
	return s.students, nil
}

func (s *stubNotificationStore) MarkNotified(_ context.Context, id int64, at time.Time) error {
	s.marked[id] = at
	return nil
}

func TestNotificationSourceCompose(t *testing.T) {
	st := &stubNotificationStore{
		students: []model.Student{{
			ID: 4, FirstName: "Ana", LastName: "Pérez",
			Email: "ana@example.edu", SecondaryEmail: "ana@mail.com", QRImage: []byte("png"),
		}},
		marked: map[int64]time.Time{},
	}
	src := NewNotificationSource(st, "grado@example.edu", []byte("logo"), time.UTC)

	jobs, err := src.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"ana@example.edu", "ana@mail.com"}, jobs[0].Recipients)

	msg, err := src.Compose(context.Background(), jobs[0])
	require.NoError(t, err)
	assert.Equal(t, "grado@example.edu", msg.From)
	assert.Contains(t, msg.HTML, "Hello Ana Pérez")
	assert.Contains(t, msg.HTML, "cid:"+QRContentID)
	assert.Contains(t, msg.HTML, "cid:"+LogoContentID)
	require.Len(t, msg.Inline, 2)
	assert.Equal(t, []byte("png"), msg.Inline[0].Data)

	require.NoError(t, src.MarkDelivered(context.Background(), jobs[0], time.Now()))
	assert.Contains(t, st.marked, int64(4))
}

func TestNotificationSourceWithoutLogo(t *testing.T) {
	src := NewNotificationSource(&stubNotificationStore{}, "", nil, nil)

	msg, err := src.Compose(context.Background(), &Job{StudentID: 1, Payload: []byte("png")})
	require.NoError(t, err)
	assert.Len(t, msg.Inline, 1)
	assert.NotContains(t, msg.HTML, "cid:"+LogoContentID)

	_, err = src.Compose(context.Background(), &Job{StudentID: 2})
	assert.Error(t, err)
}

func TestBuildMessage(t *testing.T) {
	m := buildMessage(&Message{
		To:          []string{"a@example.edu", "b@example.edu"},
		Subject:     "Invitation",
		HTML:        "<p>hi</p>",
		Attachments: []Part{{Name: "companion_1.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}},
	}, "grado@example.edu")

	assert.Equal(t, []string{"grado@example.edu"}, m.GetHeader("From"))
	assert.Equal(t, []string{"a@example.edu", "b@example.edu"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Invitation"}, m.GetHeader("Subject"))
}

func TestPreviewTransportWritesFiles(t *testing.T) {
	dir := t.TempDir()
	tr := NewPreviewTransport(dir, nil, logging.Discard())
	sess, err := tr.Dial(context.Background())
	require.NoError(t, err)

	err = sess.Send(context.Background(), &Message{
		To:     []string{"Ana@Example.edu"},
		HTML:   "<p>preview</p>",
		Inline: []Part{{Name: QRContentID, Data: []byte("png")}},
	})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "ana-example-edu")
	html, err := os.ReadFile(filepath.Join(dir, entries[0].Name(), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>preview</p>", string(html))
	_, err = os.Stat(filepath.Join(dir, entries[0].Name(), QRContentID))
	assert.NoError(t, err)
}

type recordingUploader struct{ names []string }

func (u *recordingUploader) UploadRaw(_ context.Context, _ []byte, name string) (string, error) {
	u.names = append(u.names, name)
	return "https://res.example.com/" + name, nil
}

func TestPreviewTransportUploads(t *testing.T) {
	up := &recordingUploader{}
	sess, err := NewPreviewTransport(t.TempDir(), up, logging.Discard()).Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.Send(context.Background(), &Message{To: []string{"x@example.edu"}, HTML: "<p/>"}))
	assert.Len(t, up.names, 1)
}
