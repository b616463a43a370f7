package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradaccess/internal/logging"
	"gradaccess/internal/model"
)

type stubRenderer struct {
	calls  atomic.Int32
	failOn func(call int32) bool
}

func (r *stubRenderer) Render(token string) ([]byte, error) {
	n := r.calls.Add(1)
	if r.failOn != nil && r.failOn(n) {
		return nil, errors.New("render exploded")
	}
	return []byte(token), nil
}

type memStore struct {
	mu       sync.Mutex
	students []model.Student
	issued   map[int64]model.IssuedCredential
	chunks   []int
	failSave int
}

func newMemStore(n int) *memStore {
	st := &memStore{issued: map[int64]model.IssuedCredential{}}
	for i := 1; i <= n; i++ {
		st.students = append(st.students, model.Student{ID: int64(i), PaymentConfirmed: true})
	}
	return st
}

func (m *memStore) ListStudentsMissingCredential(context.Context) ([]model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Student
	for _, s := range m.students {
		if _, ok := m.issued[s.ID]; !ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) SaveCredentials(_ context.Context, creds []model.IssuedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave > 0 && len(m.chunks)+1 == m.failSave {
		return errors.New("write failed")
	}
	m.chunks = append(m.chunks, len(creds))
	for _, c := range creds {
		m.issued[c.StudentID] = c
	}
	return nil
}

func (m *memStore) RotateCredential(_ context.Context, c model.IssuedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued[c.StudentID] = c
	return nil
}

func newTestGenerator(st Store, r Renderer) *Generator {
	return NewGenerator(st, NewIssuer(r, time.UTC), GeneratorConfig{ChunkSize: 50, Workers: 4}, logging.Discard())
}

func TestGenerateMissingChunksAndIdempotence(t *testing.T) {
	st := newMemStore(120)
	gen := newTestGenerator(st, &stubRenderer{})
	var reported []int

	sum, err := gen.GenerateMissing(context.Background(), func(done, total int) {
		assert.Equal(t, 120, total)
		reported = append(reported, done)
	})

	require.NoError(t, err)
	assert.Equal(t, 120, sum.GeneratedCount)
	assert.Equal(t, 120, sum.TotalStudents)
	assert.Equal(t, 3, sum.Chunks)
	assert.Equal(t, []int{50, 50, 20}, st.chunks)
	assert.Equal(t, []int{50, 100, 120}, reported)

	seen := map[string]bool{}
	for _, c := range st.issued {
		assert.False(t, seen[c.Token], "duplicate token %s", c.Token)
		seen[c.Token] = true
	}

	again, err := gen.GenerateMissing(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, again.GeneratedCount)
	assert.Zero(t, again.TotalStudents)
}

func TestGenerateMissingIsolatesUnitFailures(t *testing.T) {
	st := newMemStore(60)
	gen := newTestGenerator(st, &stubRenderer{failOn: func(n int32) bool { return n <= 3 }})

	sum, err := gen.GenerateMissing(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 57, sum.GeneratedCount)
	assert.Len(t, sum.Failures, 3)
	assert.Equal(t, "render credential for student "+itoa(sum.Failures[0].StudentID)+": render exploded", sum.Failures[0].Error)

	// The skipped students are picked up by the next run.
	retry, err := gen.GenerateMissing(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, retry.GeneratedCount)
}

func TestGenerateMissingAbortsOnWriteFailure(t *testing.T) {
	st := newMemStore(120)
	st.failSave = 2
	gen := newTestGenerator(st, &stubRenderer{})

	sum, err := gen.GenerateMissing(context.Background(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "save chunk 2")
	assert.Equal(t, 50, sum.GeneratedCount)
	assert.Len(t, st.issued, 50)
}

func TestGenerateMissingStopsOnCancel(t *testing.T) {
	st := newMemStore(10)
	gen := newTestGenerator(st, &stubRenderer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.GenerateMissing(ctx, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, st.issued)
}

func TestRegenerateRotatesToken(t *testing.T) {
	st := newMemStore(1)
	gen := newTestGenerator(st, &stubRenderer{})
	_, err := gen.GenerateMissing(context.Background(), nil)
	require.NoError(t, err)
	before := st.issued[1].Token

	cred, err := gen.Regenerate(context.Background(), 1)

	require.NoError(t, err)
	assert.NotEqual(t, before, cred.Token)
	assert.Equal(t, cred.Token, st.issued[1].Token)
}

func itoa(id int64) string {
	return fmt.Sprint(id)
}
