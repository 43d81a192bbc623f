package config

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// DevRelease is the engine release reported in dev mode.
	DevRelease = "R2020b"
	// DevConnectorPort is the fixed engine port in dev mode.
	DevConnectorPort = 31515

	display = ":1"
)

// Runtime is everything derived from Settings at startup.
type Runtime struct {
	Settings Settings

	// EngineRoot and Release are empty when no engine installation was found.
	EngineRoot string
	Release    string
	// InstallError is the reason no engine installation was found, if any.
	InstallError error

	EngineCommand    []string
	DisplayCommand   []string
	Display          string
	EngineReadyFile  string
	DisplayReadyFile string
	LicensingFile    string
	AuditDB          string
	LogDir           string

	AuthEndpoint        string
	EntitlementEndpoint string

	APIKey        string
	Protocol      string
	FixedPort     int
	CustomHeaders map[string]string
}

// Option customizes Resolve.
type Option func(*resolver)

type resolver struct {
	tempDir     string
	homeDir     string
	findEngine  func() (string, error)
	readRelease func(string) (string, error)
}

// WithTempDir overrides the directory holding the readiness markers.
func WithTempDir(dir string) Option {
	return func(r *resolver) { r.tempDir = dir }
}

// WithHomeDir overrides the directory holding the persisted licensing file.
func WithHomeDir(dir string) Option {
	return func(r *resolver) { r.homeDir = dir }
}

// WithEngineFinder overrides the engine installation lookup.
func WithEngineFinder(find func() (string, error)) Option {
	return func(r *resolver) { r.findEngine = find }
}

// Resolve derives the runtime values from settings. Failing to find the
// engine is not an error; it is reported through Runtime.InstallError.
// Invalid custom headers are.
func Resolve(settings Settings, options ...Option) (*Runtime, error) {
	r := &resolver{
		tempDir:     os.TempDir(),
		findEngine:  FindEngineRoot,
		readRelease: ReadRelease,
	}
	for _, option := range options {
		option(r)
	}
	if r.homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate home directory: %w", err)
		}
		r.homeDir = home
	}

	headers, err := ParseCustomHeaders(settings.CustomHeaders)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Settings:         settings,
		Display:          display,
		EngineReadyFile:  filepath.Join(r.tempDir, "connector.securePort"),
		DisplayReadyFile: filepath.Join(r.tempDir, ".X11-unix", "X"+strings.TrimPrefix(display, ":")),
		APIKey:           uuid.New().String(),
		CustomHeaders:    headers,
	}
	rt.Settings.BaseURL = NormalizeBaseURL(settings.BaseURL)
	rt.AuthEndpoint, rt.EntitlementEndpoint = endpoints(settings.WSEnv)

	if settings.Dev {
		rt.Release = DevRelease
		rt.Protocol = "http"
		rt.FixedPort = DevConnectorPort
		rt.LicensingFile = filepath.Join(r.tempDir, ".matlab", "proxy_app_config.json")
		rt.EngineCommand = []string{settings.FakeEngine, "matlab", "--ready-file", rt.EngineReadyFile}
		if settings.Test {
			rt.EngineCommand = append(rt.EngineCommand, "--ready-delay", "0s")
		}
		rt.DisplayCommand = []string{settings.FakeEngine, "xvfb", "--ready-file", rt.DisplayReadyFile}
		if rt.Settings.AppHost == "" {
			rt.Settings.AppHost = "127.0.0.1"
		}
	} else {
		rt.Protocol = "https"
		rt.LicensingFile = filepath.Join(r.homeDir, ".matlab", "MWI", "proxy_app_config.json")
		rt.EngineCommand = []string{"matlab", "-nosplash", "-nodesktop", "-softwareopengl"}
		rt.DisplayCommand = []string{
			"Xvfb", display, "-screen", "0", "1600x1200x24", "-dpi", "100", "-extension", "RANDR",
		}

		root, err := r.findEngine()
		if err != nil {
			rt.InstallError = err
		} else {
			rt.EngineRoot = root
			release, err := r.readRelease(root)
			if err != nil {
				rt.InstallError = err
			} else {
				rt.Release = release
			}
		}
	}

	rt.LogDir = filepath.Dir(rt.LicensingFile)
	switch settings.AuditDB {
	case AuditDisabled:
	case "":
		rt.AuditDB = filepath.Join(rt.LogDir, "audit.db")
	default:
		rt.AuditDB = settings.AuditDB
	}
	return rt, nil
}

// CheckInstall reports whether the engine command can be run.
func (rt *Runtime) CheckInstall() error {
	if rt.InstallError != nil {
		return rt.InstallError
	}
	_, err := exec.LookPath(rt.EngineCommand[0])
	return err
}

// AuditEnabled reports whether events should be journaled.
func (rt *Runtime) AuditEnabled() bool {
	return rt.AuditDB != ""
}

// ListenAddr is the host:port the control API binds.
func (rt *Runtime) ListenAddr() string {
	return net.JoinHostPort(rt.Settings.AppHost, strconv.Itoa(rt.Settings.AppPort))
}

// NormalizeBaseURL strips trailing slashes and ensures a leading one, so
// routes can be built as base + "/name". The root maps to "".
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return base
}

func endpoints(wsEnv string) (auth, entitlement string) {
	suffix := ""
	if env := strings.ToLower(wsEnv); strings.Contains(env, "integ") {
		suffix = "-" + env
	}
	auth = fmt.Sprintf("https://login%s.mathworks.com/authenticationws/service/v4", suffix)
	entitlement = fmt.Sprintf("https://licensing%s.mathworks.com/mls/service/v1/entitlement/list", suffix)
	return auth, entitlement
}
