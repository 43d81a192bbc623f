package appstate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/matlabproxy/matlabhub/audit"
	"github.com/tomyedwab/matlabproxy/matlabhub/config"
	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
	"github.com/tomyedwab/matlabproxy/matlabhub/metrics"
	"github.com/tomyedwab/matlabproxy/matlabhub/processes"
)

const (
	displayScript = `touch "$1"; exec sleep 60`
	engineScript  = `echo "$MW_CONNECTOR_SECURE_PORT" > "$1"; exec sleep 60`
)

type fakeAPI struct{}

func (fakeAPI) ExpandToken(ctx context.Context, identityToken, sourceID string) (*licensing.TokenData, error) {
	return &licensing.TokenData{
		Expiry:    time.Now().Add(24 * time.Hour).Format(licensing.ExpiryLayout),
		FirstName: "Ada",
		LastName:  "Lovelace",
		UserID:    "u1",
		ProfileID: "p1",
	}, nil
}

func (fakeAPI) AccessToken(ctx context.Context, identityToken, sourceID string) (string, error) {
	return "access-token", nil
}

func (fakeAPI) Entitlements(ctx context.Context, accessToken, release string) ([]licensing.Entitlement, error) {
	return []licensing.Entitlement{
		{ID: "ent-1", Label: "MATLAB", LicenseNumber: "123"},
		{ID: "ent-2", Label: "MATLAB Student", LicenseNumber: "456"},
	}, nil
}

func pipeTerminal() (*processes.Terminal, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &processes.Terminal{Controller: w, Device: r}, nil
}

func testRuntime(t *testing.T) *config.Runtime {
	dir := t.TempDir()
	engineReady := filepath.Join(dir, "connector.securePort")
	displayReady := filepath.Join(dir, "X1")
	return &config.Runtime{
		Settings:         config.DefaultSettings(),
		Release:          "R2020b",
		EngineCommand:    []string{"sh", "-c", engineScript, "sh", engineReady},
		DisplayCommand:   []string{"sh", "-c", displayScript, "sh", displayReady},
		Display:          ":1",
		EngineReadyFile:  engineReady,
		DisplayReadyFile: displayReady,
		LicensingFile:    filepath.Join(dir, ".matlab", "proxy_app_config.json"),
		LogDir:           dir,
		APIKey:           "test-key",
		Protocol:         "http",
	}
}

func newTestState(t *testing.T, rt *config.Runtime, auditLog *audit.Logger, collector *metrics.Collector) *AppState {
	t.Helper()
	state, err := New(Config{
		Runtime:      rt,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		API:          fakeAPI{},
		Audit:        auditLog,
		Metrics:      collector,
		OpenTerminal: pipeTerminal,
		BaseEnv:      []string{"PATH=" + os.Getenv("PATH")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		state.Cleanup(ctx)
	})
	return state
}

func openAudit(t *testing.T) *audit.Logger {
	logger, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	return logger
}

func statusJSON(t *testing.T, s Status) map[string]any {
	data, err := json.Marshal(s)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestStatusWithoutLicensing(t *testing.T) {
	rt := testRuntime(t)
	rt.Settings.WSEnv = "integ"
	state := newTestState(t, rt, nil, nil)

	out := statusJSON(t, state.Status(""))
	assert.Equal(t, map[string]any{"status": "down", "version": "R2020b"}, out["matlab"])
	assert.Nil(t, out["licensing"])
	assert.Nil(t, out["loadUrl"])
	assert.Nil(t, out["error"])
	assert.Equal(t, "integ", out["wsEnv"])

	out = statusJSON(t, state.Status("../"))
	assert.Equal(t, "../", out["loadUrl"])
}

func TestStatusReportsInstallError(t *testing.T) {
	rt := testRuntime(t)
	rt.Release = ""
	rt.InstallError = errors.New("exec: \"matlab\": executable file not found in $PATH")
	state := newTestState(t, rt, nil, nil)

	out := statusJSON(t, state.Status(""))
	assert.Nil(t, out["matlab"].(map[string]any)["version"])
	require.NotNil(t, out["error"])
	errPayload := out["error"].(map[string]any)
	assert.Equal(t, "MatlabInstallError", errPayload["type"])
	assert.Equal(t, []any{}, errPayload["logs"])
}

func TestStatusMarshalsLicensing(t *testing.T) {
	state := newTestState(t, testRuntime(t), nil, nil)
	ctx := context.Background()

	require.NoError(t, state.Licensing.SetNLM(ctx, "27000@server"))
	out := statusJSON(t, state.Status(""))
	assert.Equal(t, map[string]any{"type": "NLM", "connectionString": "27000@server"}, out["licensing"])

	require.NoError(t, state.Licensing.SetMHLM(ctx, "identity", "ada@example.com", "source"))
	out = statusJSON(t, state.Status(""))
	lic := out["licensing"].(map[string]any)
	assert.Equal(t, "MHLM", lic["type"])
	assert.Equal(t, "ada@example.com", lic["emailAddress"])
	assert.Equal(t, "ent-1", lic["entitlementId"])
	require.Len(t, lic["entitlements"], 2)
	first := lic["entitlements"].([]any)[0].(map[string]any)
	assert.Equal(t, "MATLAB", first["label"])
	assert.Equal(t, "123", first["license_number"])
}

func TestLicensingChangesAreJournaled(t *testing.T) {
	auditLog := openAudit(t)
	collector := metrics.NewCollector("")
	state := newTestState(t, testRuntime(t), auditLog, collector)
	ctx := context.Background()

	require.NoError(t, state.Licensing.SetNLM(ctx, "27000@server"))
	require.Error(t, state.Licensing.SetNLM(ctx, "not a license"))
	require.NoError(t, state.Licensing.Unset())

	events, err := auditLog.GetRecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, string(audit.EventLicensingUnset), events[0].EventType)
	assert.Equal(t, string(audit.EventLicensingFailed), events[1].EventType)
	assert.Equal(t, string(audit.EventLicensingSet), events[2].EventType)
	assert.Equal(t, "NLM", events[2].LicensingType)
	assert.NotEmpty(t, events[2].TokenFingerprint)
	assert.NotContains(t, events[2].TokenFingerprint, "27000")

	rec := httptest.NewRecorder()
	state.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `matlabproxy_licensing_operations_total{operation="set_nlm",result="error"} 1`)
	assert.Contains(t, rec.Body.String(), `matlabproxy_licensing_operations_total{operation="set_nlm",result="success"} 1`)
}

func TestRunStartsEngineWhenLicensed(t *testing.T) {
	rt := testRuntime(t)
	rt.Settings.LicenseFile = "27000@server"
	auditPath := filepath.Join(t.TempDir(), "audit.db")
	auditLog, err := audit.Open(auditPath)
	require.NoError(t, err)
	state := newTestState(t, rt, auditLog, metrics.NewCollector(""))

	state.Run()
	require.Eventually(t, func() bool {
		return state.Engine.Status() == processes.StatusUp
	}, 10*time.Second, 50*time.Millisecond)

	out := statusJSON(t, state.Status(""))
	assert.Equal(t, "up", out["matlab"].(map[string]any)["status"])
	assert.Equal(t, "NLM", out["licensing"].(map[string]any)["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, state.Cleanup(ctx))
	assert.Equal(t, processes.StatusDown, state.Engine.Status())

	// Cleanup closes the journal.
	reopened, err := audit.Open(auditPath)
	require.NoError(t, err)
	defer reopened.Close()
	events, err := reopened.GetRecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(audit.EventEngineStop), events[0].EventType)
	assert.Equal(t, string(audit.EventEngineStart), events[1].EventType)
	assert.Equal(t, "NLM", events[1].LicensingType)
	assert.Equal(t, events[0].Port, events[1].Port)
}

func TestRunWithoutLicensingLeavesEngineDown(t *testing.T) {
	state := newTestState(t, testRuntime(t), nil, nil)
	state.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, state.Cleanup(ctx))
	assert.Equal(t, processes.StatusDown, state.Engine.Status())
	assert.Nil(t, state.Licensing.Info())
}

func TestRunPrunesExpiredAuditEvents(t *testing.T) {
	auditLog := openAudit(t)
	require.NoError(t, auditLog.LogEngineStop(31515))
	time.Sleep(20 * time.Millisecond)

	rt := testRuntime(t)
	rt.Settings.AuditRetention = time.Millisecond
	state := newTestState(t, rt, auditLog, nil)
	state.Run()

	events, err := auditLog.GetRecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunKeepsAuditEventsWithoutRetention(t *testing.T) {
	auditLog := openAudit(t)
	require.NoError(t, auditLog.LogEngineStop(31515))

	rt := testRuntime(t)
	rt.Settings.AuditRetention = 0
	state := newTestState(t, rt, auditLog, nil)
	state.Run()

	events, err := auditLog.GetRecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMetricsHandlerDisabled(t *testing.T) {
	state := newTestState(t, testRuntime(t), nil, nil)
	assert.Nil(t, state.MetricsHandler())
	assert.Nil(t, state.Audit())
}
