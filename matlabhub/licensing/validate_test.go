package licensing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
)

func TestValidateConnStrAccepts(t *testing.T) {
	for _, s := range []string{
		"27000@server",
		"123@my-host.example.com",
		"1@h_1",
		"27000@a,27001@b,27002@c",
	} {
		assert.NoError(t, ValidateConnStr(s), s)
	}
}

func TestValidateConnStrRejects(t *testing.T) {
	for _, s := range []string{
		"",
		"server",
		"@server",
		"port@server",
		"27000@",
		"27000@a,27001@b",
		"27000@a b",
		"27000@a,27001@b,27002@c,27003@d",
		"/does/not/exist.lic",
	} {
		err := ValidateConnStr(s)
		require.Error(t, err, s)
		assert.True(t, apperror.IsKind(err, apperror.KindNetworkLicensing), s)
	}
}

func TestValidateConnStrAcceptsLicenseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "license.lic")
	require.NoError(t, os.WriteFile(path, []byte("SERVER host 0 27000\n"), 0o600))
	assert.NoError(t, ValidateConnStr(path))
	assert.Error(t, ValidateConnStr(filepath.Dir(path)))
}
