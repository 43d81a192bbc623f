package licensing

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
)

type fakeAPI struct {
	expandErr       error
	accessErr       error
	entitlementsErr error
	entitlements    []Entitlement
	accessCalls     int
}

func (f *fakeAPI) ExpandToken(ctx context.Context, identityToken, sourceID string) (*TokenData, error) {
	if f.expandErr != nil {
		return nil, f.expandErr
	}
	return &TokenData{
		Expiry:      "2099-01-01T00:00:00.000+0000",
		FirstName:   "F",
		LastName:    "L",
		DisplayName: "F L",
		UserID:      "u1",
		ProfileID:   "p1",
	}, nil
}

func (f *fakeAPI) AccessToken(ctx context.Context, identityToken, sourceID string) (string, error) {
	f.accessCalls++
	if f.accessErr != nil {
		return "", f.accessErr
	}
	return "access-" + identityToken, nil
}

func (f *fakeAPI) Entitlements(ctx context.Context, accessToken, release string) ([]Entitlement, error) {
	if f.entitlementsErr != nil {
		return nil, f.entitlementsErr
	}
	return f.entitlements, nil
}

type observed struct {
	op  Operation
	err error
}

type recordingObserver struct {
	events []observed
}

func (r *recordingObserver) LicensingChanged(op Operation, info Info, err error) {
	r.events = append(r.events, observed{op: op, err: err})
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, api *fakeAPI, envConnStr string) (*Machine, *Store, *apperror.Slot) {
	t.Helper()
	store := tempStore(t)
	slot := &apperror.Slot{}
	m, err := NewMachine(MachineConfig{
		Store:      store,
		API:        api,
		Release:    "R2023a",
		EnvConnStr: envConnStr,
		Errors:     slot,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return m, store, slot
}

func persistedMHLM(expiry time.Time) *MHLM {
	return &MHLM{
		IdentityToken: "id-token",
		SourceID:      "src",
		Expiry:        expiry.Format(ExpiryLayout),
		EmailAddr:     "user@example.com",
		FirstName:     "F",
		LastName:      "L",
		DisplayName:   "F L",
		UserID:        "u1",
		ProfileID:     "p1",
		EntitlementID: "ent-1",
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSetNLMPersists(t *testing.T) {
	m, store, _ := newTestMachine(t, &fakeAPI{}, "")
	obs := &recordingObserver{}
	m.observer = obs

	require.NoError(t, m.SetNLM(context.Background(), "27000@server"))
	assert.Equal(t, NLM{ConnStr: "27000@server"}, m.Info())
	assert.True(t, m.IsLicensed())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, NLM{ConnStr: "27000@server"}, loaded)
	require.Len(t, obs.events, 1)
	assert.Equal(t, OpSetNLM, obs.events[0].op)
}

func TestSetNLMRejectsInvalid(t *testing.T) {
	m, store, _ := newTestMachine(t, &fakeAPI{}, "")
	err := m.SetNLM(context.Background(), "not a conn string")
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindNetworkLicensing))
	assert.Nil(t, m.Info())
	assert.False(t, fileExists(store.Path()))
}

func TestSetMHLMSelectsFirstEntitlement(t *testing.T) {
	api := &fakeAPI{entitlements: []Entitlement{{ID: "ent-1"}, {ID: "ent-2"}}}
	m, store, slot := newTestMachine(t, api, "")

	require.NoError(t, m.SetMHLM(context.Background(), "id-token", "user@example.com", "src"))
	info, ok := m.Info().(*MHLM)
	require.True(t, ok)
	assert.Equal(t, "ent-1", info.EntitlementID)
	assert.Len(t, info.Entitlements, 2)
	assert.True(t, m.IsLicensed())
	assert.Nil(t, slot.Get())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "ent-1", loaded.(*MHLM).EntitlementID)
}

func TestSetMHLMExpandFailureKeepsEmail(t *testing.T) {
	api := &fakeAPI{expandErr: apperror.New(apperror.KindOnlineLicensing, "down")}
	m, store, slot := newTestMachine(t, api, "")

	require.NoError(t, m.SetMHLM(context.Background(), "id-token", "user@example.com", "src"))
	assert.Equal(t, &MHLM{EmailAddr: "user@example.com"}, m.Info())
	assert.False(t, m.IsLicensed())
	require.NotNil(t, slot.Get())
	assert.Equal(t, apperror.KindOnlineLicensing, slot.Get().Kind)
	assert.False(t, fileExists(store.Path()))
}

func TestSetMHLMNoEntitlements(t *testing.T) {
	api := &fakeAPI{entitlementsErr: apperror.New(apperror.KindEntitlement, "none")}
	m, store, slot := newTestMachine(t, api, "")

	require.NoError(t, m.SetMHLM(context.Background(), "id-token", "user@example.com", "src"))
	info, ok := m.Info().(*MHLM)
	require.True(t, ok)
	assert.Equal(t, "user@example.com", info.EmailAddr)
	assert.Empty(t, info.IdentityToken)
	assert.Empty(t, info.EntitlementID)
	assert.Equal(t, apperror.KindEntitlement, slot.Get().Kind)
	assert.False(t, fileExists(store.Path()))
}

func TestUpdateEntitlementsRequiresMHLM(t *testing.T) {
	m, _, _ := newTestMachine(t, &fakeAPI{}, "")
	err := m.UpdateEntitlements(context.Background())
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindInternal))
}

func TestInitEnvWinsAndDeletesFile(t *testing.T) {
	m, store, _ := newTestMachine(t, &fakeAPI{}, "1234@licenses")
	require.NoError(t, store.Save(NLM{ConnStr: "27000@old"}))

	m.Init(context.Background())
	assert.Equal(t, NLM{ConnStr: "1234@licenses"}, m.Info())
	assert.False(t, fileExists(store.Path()))
}

func TestInitReloadsMHLM(t *testing.T) {
	api := &fakeAPI{entitlements: []Entitlement{{ID: "ent-1", Label: "MATLAB"}}}
	m, store, _ := newTestMachine(t, api, "")
	persisted := persistedMHLM(fixedNow.Add(48 * time.Hour))
	require.NoError(t, store.Save(persisted))

	m.Init(context.Background())
	got, ok := m.Info().(*MHLM)
	require.True(t, ok)
	persisted.Entitlements = []Entitlement{{ID: "ent-1", Label: "MATLAB"}}
	assert.Equal(t, persisted, got)
	assert.True(t, fileExists(store.Path()))
	assert.Equal(t, 1, api.accessCalls)
}

func TestInitExpiredResets(t *testing.T) {
	api := &fakeAPI{}
	m, store, _ := newTestMachine(t, api, "")
	require.NoError(t, store.Save(persistedMHLM(fixedNow.Add(-time.Hour))))

	m.Init(context.Background())
	assert.Nil(t, m.Info())
	assert.False(t, fileExists(store.Path()))
	assert.Zero(t, api.accessCalls)
}

func TestInitImminentExpiryResets(t *testing.T) {
	m, store, _ := newTestMachine(t, &fakeAPI{}, "")
	require.NoError(t, store.Save(persistedMHLM(fixedNow.Add(30*time.Minute))))

	m.Init(context.Background())
	assert.Nil(t, m.Info())
	assert.False(t, fileExists(store.Path()))
}

func TestInitRefreshFailureResets(t *testing.T) {
	api := &fakeAPI{accessErr: apperror.New(apperror.KindOnlineLicensing, "down")}
	m, store, slot := newTestMachine(t, api, "")
	require.NoError(t, store.Save(persistedMHLM(fixedNow.Add(48 * time.Hour))))

	m.Init(context.Background())
	assert.Nil(t, m.Info())
	assert.False(t, fileExists(store.Path()))
	assert.Equal(t, apperror.KindOnlineLicensing, slot.Get().Kind)
}

func TestInitCorruptFileResets(t *testing.T) {
	m, store, _ := newTestMachine(t, &fakeAPI{}, "")
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o755))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	m.Init(context.Background())
	assert.Nil(t, m.Info())
	assert.False(t, fileExists(store.Path()))
}

func TestUnsetClearsOnlyLicensingErrors(t *testing.T) {
	m, store, slot := newTestMachine(t, &fakeAPI{}, "")
	require.NoError(t, m.SetNLM(context.Background(), "27000@server"))

	slot.Set(apperror.New(apperror.KindEngine, "crash"))
	require.NoError(t, m.Unset())
	assert.Nil(t, m.Info())
	assert.NotNil(t, slot.Get())
	assert.False(t, fileExists(store.Path()))

	slot.Set(apperror.New(apperror.KindEntitlement, "none"))
	require.NoError(t, m.Unset())
	assert.Nil(t, slot.Get())
}

func TestParseExpiry(t *testing.T) {
	for _, s := range []string{
		"2024-06-01T12:00:00.000+0000",
		"2024-06-01T12:00:00.123456+0000",
		"2024-06-01T12:00:00+0000",
		"2024-06-01T12:00:00Z",
	} {
		got, err := ParseExpiry(s)
		require.NoError(t, err, s)
		assert.True(t, got.Truncate(time.Second).Equal(fixedNow), s)
	}
	_, err := ParseExpiry("")
	assert.Error(t, err)
}
