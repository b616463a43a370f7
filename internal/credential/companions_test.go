package credential

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradaccess/internal/logging"
	"gradaccess/internal/model"
)

type memCompanions struct {
	rows map[int64][]model.Companion
}

func (m *memCompanions) EnsureCompanions(_ context.Context, studentID int64, tokens [2]string, at time.Time) ([]model.Companion, error) {
	if existing := m.rows[studentID]; len(existing) == 2 {
		return existing, nil
	}
	return m.ReplaceCompanions(context.Background(), studentID, tokens, at)
}

func (m *memCompanions) ReplaceCompanions(_ context.Context, studentID int64, tokens [2]string, at time.Time) ([]model.Companion, error) {
	out := make([]model.Companion, 2)
	for i, tok := range tokens {
		out[i] = model.Companion{StudentID: studentID, Number: i + 1, QRData: tok, QRGeneratedAt: at, AccessStatus: model.StatusPending}
	}
	m.rows[studentID] = out
	return out, nil
}

func TestCompanionRegenerateKeepsTwoAndResets(t *testing.T) {
	st := &memCompanions{rows: map[int64][]model.Companion{}}
	svc := NewCompanions(st, time.UTC, logging.Discard())
	ctx := context.Background()

	before, err := svc.Ensure(ctx, 3)
	require.NoError(t, err)
	require.Len(t, before, 2)
	st.rows[3][0].AccessStatus = model.StatusCheckedIn

	again, err := svc.Ensure(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, before[1].QRData, again[1].QRData)

	after, err := svc.Regenerate(ctx, 3)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for i := range after {
		assert.NotEqual(t, before[i].QRData, after[i].QRData)
		assert.Equal(t, i+1, after[i].Number)
		assert.Equal(t, model.StatusPending, after[i].AccessStatus)
	}
	assert.Len(t, st.rows[3], 2)
}

func TestTokens(t *testing.T) {
	c := NewCompanionToken()
	assert.True(t, strings.HasPrefix(c, CompanionPrefix))
	assert.Len(t, c, len(CompanionPrefix)+32)
	assert.NotEqual(t, c, NewCompanionToken())
	assert.Len(t, NewPrimaryToken(), 36)
}
