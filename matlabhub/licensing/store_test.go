package licensing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "MWI", "proxy_app_config.json"))
}

func TestStoreLoadMissing(t *testing.T) {
	s := tempStore(t)
	info, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestStoreRoundTripNLM(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(NLM{ConnStr: "27000@server"}))

	info, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, NLM{ConnStr: "27000@server"}, info)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"licensing":{"type":"nlm","conn_str":"27000@server"}}`, string(data))
}

func TestStoreRoundTripMHLM(t *testing.T) {
	s := tempStore(t)
	want := &MHLM{
		IdentityToken: "id-token",
		SourceID:      "source",
		Expiry:        "2099-01-01T00:00:00.000+0000",
		EmailAddr:     "user@example.com",
		FirstName:     "First",
		LastName:      "Last",
		DisplayName:   "First Last",
		UserID:        "1",
		ProfileID:     "2",
		EntitlementID: "ent-1",
	}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStorePreservesOtherKeys(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"other":{"a":1}}`), 0o600))

	require.NoError(t, s.Save(NLM{ConnStr: "1@h"}))
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"other":{"a":1},"licensing":{"type":"nlm","conn_str":"1@h"}}`, string(data))

	require.NoError(t, s.Save(nil))
	data, err = os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"other":{"a":1}}`, string(data))
}

func TestStoreLoadRejectsUnknownType(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"licensing":{"type":"bogus"}}`), 0o600))

	_, err := s.Load()
	assert.Error(t, err)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(NLM{ConnStr: "1@h"}))
	require.NoError(t, s.Delete())
	require.NoError(t, s.Delete())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}
