package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradaccess/internal/logging"
	"gradaccess/internal/model"
	"gradaccess/internal/queue"
)

type fakeStore struct {
	mu         sync.Mutex
	primary    map[string]*model.Credential
	companions map[string]*model.Credential
	writes     int
	findErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		primary:    map[string]*model.Credential{},
		companions: map[string]*model.Credential{},
	}
}

func (f *fakeStore) add(c model.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Role == model.RoleCompanion {
		f.companions[c.Token] = &c
	} else {
		f.primary[c.Token] = &c
	}
}

func (f *fakeStore) get(token string) *model.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.companions[token]; ok {
		cp := *c
		return &cp
	}
	if c, ok := f.primary[token]; ok {
		cp := *c
		return &cp
	}
	return nil
}

func (f *fakeStore) find(m map[string]*model.Credential, token string) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	c, ok := m[token]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) FindCompanionCredential(_ context.Context, token string) (*model.Credential, error) {
	return f.find(f.companions, token)
}

func (f *fakeStore) FindPrimaryCredential(_ context.Context, token string) (*model.Credential, error) {
	return f.find(f.primary, token)
}

func (f *fakeStore) byID(role model.Role, id int64) *model.Credential {
	m := f.primary
	if role == model.RoleCompanion {
		m = f.companions
	}
	for _, c := range m {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeStore) CheckIn(_ context.Context, role model.Role, id int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(role, id)
	if c == nil || c.AccessStatus != model.StatusPending {
		return false, nil
	}
	f.writes++
	c.AccessStatus = model.StatusCheckedIn
	c.CheckedInAt = &at
	return true, nil
}

func (f *fakeStore) Deny(_ context.Context, role model.Role, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(role, id)
	if c == nil || c.AccessStatus != model.StatusPending {
		return false, nil
	}
	f.writes++
	c.AccessStatus = model.StatusDenied
	return true, nil
}

func (f *fakeStore) ResetStatus(_ context.Context, role model.Role, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(role, id)
	if c == nil {
		return errors.New("not found")
	}
	f.writes++
	c.AccessStatus = model.StatusPending
	c.CheckedInAt = nil
	return nil
}

func (f *fakeStore) ResetAll(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range []map[string]*model.Credential{f.primary, f.companions} {
		for _, c := range m {
			if c.AccessStatus == model.StatusCheckedIn {
				c.AccessStatus = model.StatusPending
				c.CheckedInAt = nil
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeStore) ResetByCedula(context.Context, string) (int64, error) { return 0, nil }

func newTestService(st CredentialStore) (*Service, *queue.InMemory) {
	q := queue.NewInMemory(256)
	return NewService(st, q, logging.Discard()), q
}

func TestVerifyCompanionWelcome(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 7, Role: model.RoleCompanion, StudentID: 3, Slot: 2, Token: "companion_abc123",
		AccessStatus: model.StatusPending, FirstName: "Ana", LastName: "Pérez"})
	svc, q := newTestService(st)

	out, err := svc.Verify(context.Background(), "companion_abc123", "north")

	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcome, out.Kind)
	assert.Equal(t, model.RoleCompanion, out.Role)
	assert.Equal(t, "Ana Pérez", out.Name)
	assert.Equal(t, 2, out.Slot)
	assert.Contains(t, out.Message, "Ana Pérez")
	require.NotNil(t, out.CheckedInAt)
	assert.Equal(t, model.StatusCheckedIn, st.get("companion_abc123").AccessStatus)
	assert.Equal(t, 1, q.Len())
}

func TestVerifyPrimaryThenDuplicate(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 3, Role: model.RolePrimary, StudentID: 3, Token: "tok-1",
		AccessStatus: model.StatusPending, FirstName: "Luis", LastName: "Mora"})
	svc, _ := newTestService(st)
	ctx := context.Background()

	first, err := svc.Verify(ctx, "tok-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcome, first.Kind)
	assert.Zero(t, first.Slot)

	second, err := svc.Verify(ctx, "tok-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Kind)
	assert.Equal(t, "Luis Mora", second.Name)
	assert.Equal(t, 1, st.writes)
}

func TestVerifyCompanionLookedUpFirst(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 1, Role: model.RolePrimary, Token: "same", AccessStatus: model.StatusPending})
	st.add(model.Credential{ID: 9, Role: model.RoleCompanion, Slot: 1, Token: "same", AccessStatus: model.StatusPending})
	svc, _ := newTestService(st)

	out, err := svc.Verify(context.Background(), "same", "")

	require.NoError(t, err)
	assert.Equal(t, model.RoleCompanion, out.Role)
}

func TestVerifyInvalidNeverMutates(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 1, Role: model.RolePrimary, Token: "issued", AccessStatus: model.StatusPending})
	svc, _ := newTestService(st)

	for _, token := range []string{"never-issued", "companion_000", "ISSUED", " issued"} {
		out, err := svc.Verify(context.Background(), token, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalid, out.Kind, token)
	}
	assert.Zero(t, st.writes)
	assert.Equal(t, model.StatusPending, st.get("issued").AccessStatus)
}

func TestVerifyMissingToken(t *testing.T) {
	svc, q := newTestService(newFakeStore())

	out, err := svc.Verify(context.Background(), "", "")

	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, OutcomeInvalid, out.Kind)
	assert.Zero(t, q.Len())
}

func TestVerifyDenied(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 4, Role: model.RolePrimary, Token: "blocked", AccessStatus: model.StatusDenied})
	svc, _ := newTestService(st)

	out, err := svc.Verify(context.Background(), "blocked", "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.Equal(t, model.StatusDenied, st.get("blocked").AccessStatus)
}

func TestVerifyStoreFailure(t *testing.T) {
	st := newFakeStore()
	st.findErr = errors.New("connection refused")
	svc, _ := newTestService(st)

	_, err := svc.Verify(context.Background(), "tok", "")

	assert.ErrorContains(t, err, "connection refused")
}

func TestVerifyConcurrentScansSingleWinner(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 5, Role: model.RolePrimary, Token: "replayed", AccessStatus: model.StatusPending,
		FirstName: "Eva", LastName: "Rojas"})
	svc, _ := newTestService(st)

	const scans = 50
	var wg sync.WaitGroup
	kinds := make(chan OutcomeKind, scans)
	start := make(chan struct{})
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := svc.Verify(context.Background(), "replayed", "")
			if err == nil {
				kinds <- out.Kind
			}
		}()
	}
	close(start)
	wg.Wait()
	close(kinds)

	counts := map[OutcomeKind]int{}
	for k := range kinds {
		counts[k]++
	}
	assert.Equal(t, 1, counts[OutcomeWelcome])
	assert.Equal(t, scans-1, counts[OutcomeDuplicate])
	assert.Equal(t, 1, st.writes)
}

func TestDenyAndReset(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 2, Role: model.RoleCompanion, Slot: 1, Token: "companion_x", AccessStatus: model.StatusPending})
	svc, _ := newTestService(st)
	ctx := context.Background()

	cred, err := svc.Deny(ctx, "companion_x")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDenied, cred.AccessStatus)

	out, err := svc.Verify(ctx, "companion_x", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out.Kind)

	_, err = svc.Reset(ctx, "companion_x")
	require.NoError(t, err)
	out, err = svc.Verify(ctx, "companion_x", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcome, out.Kind)

	_, err = svc.Deny(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestDenyCheckedInRejected(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 8, Role: model.RolePrimary, Token: "used", AccessStatus: model.StatusPending,
		FirstName: "Luis", LastName: "Mora"})
	svc, _ := newTestService(st)
	ctx := context.Background()

	out, err := svc.Verify(ctx, "used", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeWelcome, out.Kind)

	cred, err := svc.Deny(ctx, "used")

	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NotNil(t, cred)
	assert.Equal(t, model.StatusCheckedIn, cred.AccessStatus)
	stored := st.get("used")
	assert.Equal(t, model.StatusCheckedIn, stored.AccessStatus)
	assert.NotNil(t, stored.CheckedInAt)

	out, err = svc.Verify(ctx, "used", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Kind)
}

func TestDenyTwiceRejected(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 9, Role: model.RoleCompanion, Slot: 2, Token: "companion_y", AccessStatus: model.StatusPending})
	svc, _ := newTestService(st)
	ctx := context.Background()

	_, err := svc.Deny(ctx, "companion_y")
	require.NoError(t, err)
	_, err = svc.Deny(ctx, "companion_y")

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, st.writes)
}

func TestResetCheckedInCredential(t *testing.T) {
	st := newFakeStore()
	at := time.Date(2025, 7, 12, 14, 0, 0, 0, time.UTC)
	st.add(model.Credential{ID: 6, Role: model.RolePrimary, Token: "done", AccessStatus: model.StatusCheckedIn, CheckedInAt: &at})
	svc, _ := newTestService(st)

	cred, err := svc.Reset(context.Background(), "done")

	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, cred.AccessStatus)
	assert.Nil(t, cred.CheckedInAt)
	assert.Nil(t, st.get("done").CheckedInAt)
}

// racingStore loses the first check-ins as if an operator reset the code
// between the read and the write each time.
type racingStore struct {
	*fakeStore
	losses int
}

func (r *racingStore) CheckIn(ctx context.Context, role model.Role, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	lose := r.losses > 0
	if lose {
		r.losses--
	}
	r.mu.Unlock()
	if lose {
		return false, nil
	}
	return r.fakeStore.CheckIn(ctx, role, id, at)
}

func TestVerifyRetriesAfterConcurrentReset(t *testing.T) {
	st := &racingStore{fakeStore: newFakeStore(), losses: 1}
	st.add(model.Credential{ID: 7, Role: model.RolePrimary, Token: "flapping", AccessStatus: model.StatusPending})
	svc, _ := newTestService(st)

	out, err := svc.Verify(context.Background(), "flapping", "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcome, out.Kind)
	assert.Equal(t, model.StatusCheckedIn, st.get("flapping").AccessStatus)
}

func TestVerifyGivesUpWithDefiniteOutcome(t *testing.T) {
	st := &racingStore{fakeStore: newFakeStore(), losses: checkInAttempts}
	st.add(model.Credential{ID: 7, Role: model.RolePrimary, Token: "flapping", AccessStatus: model.StatusPending})
	svc, _ := newTestService(st)

	out, err := svc.Verify(context.Background(), "flapping", "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, out.Kind)
	assert.NotEmpty(t, out.Message)
	assert.Equal(t, model.StatusPending, st.get("flapping").AccessStatus)
}

func TestResetAll(t *testing.T) {
	st := newFakeStore()
	st.add(model.Credential{ID: 1, Role: model.RolePrimary, Token: "a", AccessStatus: model.StatusCheckedIn})
	st.add(model.Credential{ID: 2, Role: model.RoleCompanion, Token: "b", AccessStatus: model.StatusCheckedIn})
	st.add(model.Credential{ID: 3, Role: model.RoleCompanion, Token: "c", AccessStatus: model.StatusDenied})
	svc, _ := newTestService(st)

	n, err := svc.ResetAll(context.Background())

	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, model.StatusDenied, st.get("c").AccessStatus)
}

func TestDecodeScanEvent(t *testing.T) {
	evt, err := DecodeScanEvent([]byte(`{"id":"e1","token":"t","outcome":"welcome","role":"companion","slot":2,"scanned_at":"2025-07-12T14:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcome, evt.Outcome)
	assert.Equal(t, 2, evt.Slot)

	_, err = DecodeScanEvent([]byte("checkin|abc"))
	assert.Error(t, err)
}
