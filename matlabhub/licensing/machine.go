package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
)

// ExpiryLayout is the timestamp format of token expiry dates.
const ExpiryLayout = "2006-01-02T15:04:05.999999999-0700"

// refreshWindow is how far ahead of expiry a persisted token stops being refreshed.
const refreshWindow = time.Hour

// Operation names a licensing change reported to an Observer.
type Operation string

const (
	OpInit    Operation = "init"
	OpSetNLM  Operation = "set_nlm"
	OpSetMHLM Operation = "set_mhlm"
	OpRefresh Operation = "update_entitlements"
	OpUnset   Operation = "unset"
)

// Observer is notified after every licensing operation. err is nil on success.
type Observer interface {
	LicensingChanged(op Operation, info Info, err error)
}

// MachineConfig holds the dependencies of a Machine.
type MachineConfig struct {
	Store   *Store
	API     OnlineAPI
	Release string // engine release, e.g. "R2023a"
	// EnvConnStr is a connection string supplied by the environment; it
	// always wins over the persisted file.
	EnvConnStr string
	Errors     *apperror.Slot
	Logger     *slog.Logger // Optional, defaults to slog.Default()
	Observer   Observer     // Optional
	Now        func() time.Time
}

// Machine owns the current licensing mode. Mutating operations are
// serialized; readers get snapshots.
type Machine struct {
	opMu sync.Mutex

	mu   sync.RWMutex
	info Info

	store      *Store
	api        OnlineAPI
	release    string
	envConnStr string
	errs       *apperror.Slot
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
}

func NewMachine(config MachineConfig) (*Machine, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if config.API == nil {
		return nil, fmt.Errorf("API is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errs := config.Errors
	if errs == nil {
		errs = &apperror.Slot{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:      config.Store,
		api:        config.API,
		release:    config.Release,
		envConnStr: config.EnvConnStr,
		errs:       errs,
		logger:     logger.With("component", "Licensing"),
		observer:   config.Observer,
		now:        now,
	}, nil
}

func (m *Machine) set(info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

// Info returns a copy of the current licensing, nil when unlicensed.
func (m *Machine) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Clone(m.info)
}

// IsLicensed reports whether the current licensing is complete enough to start the engine.
func (m *Machine) IsLicensed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Complete(m.info)
}

func (m *Machine) notify(op Operation, err error) {
	if m.observer != nil {
		m.observer.LicensingChanged(op, m.Info(), err)
	}
}

func (m *Machine) record(err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		appErr = apperror.Wrap(apperror.KindLicensing, err.Error(), err)
	}
	m.errs.Set(appErr)
	apperror.Log(m.logger, appErr)
}

// Init loads licensing at boot from the environment or the persisted file.
func (m *Machine) Init(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.envConnStr != "" {
		m.set(NLM{ConnStr: m.envConnStr})
		if err := m.store.Delete(); err != nil {
			m.logger.Warn("Failed to remove persisted licensing", "path", m.store.Path(), "error", err)
		}
		m.logger.Info("Using network license from environment")
		m.notify(OpInit, nil)
		return
	}

	loaded, err := m.store.Load()
	if err != nil {
		m.logger.Error("Error parsing persisted licensing, resetting", "path", m.store.Path(), "error", err)
		m.reset()
		m.notify(OpInit, err)
		return
	}

	switch v := loaded.(type) {
	case nil:
		return
	case NLM:
		m.set(v)
	case *MHLM:
		expiry, err := ParseExpiry(v.Expiry)
		if err != nil || !expiry.Add(-refreshWindow).After(m.now()) {
			m.logger.Info("Persisted online licensing has expired, resetting", "expiry", v.Expiry)
			m.reset()
			m.notify(OpInit, err)
			return
		}
		m.set(v)
		if err := m.updateEntitlements(ctx); err != nil {
			m.reset()
			m.notify(OpInit, err)
			return
		}
	}
	m.logger.Info("Loaded persisted licensing", "type", loaded.Type())
	m.notify(OpInit, nil)
}

// reset clears licensing and removes the persisted file. Callers hold opMu.
func (m *Machine) reset() {
	m.set(nil)
	if err := m.store.Delete(); err != nil {
		m.logger.Warn("Failed to remove persisted licensing", "path", m.store.Path(), "error", err)
	}
}

// SetNLM validates and persists a network license connection string.
// Validation failures are returned to the caller.
func (m *Machine) SetNLM(ctx context.Context, connStr string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := ValidateConnStr(connStr); err != nil {
		m.notify(OpSetNLM, err)
		return err
	}
	m.set(NLM{ConnStr: connStr})
	if err := m.store.Save(NLM{ConnStr: connStr}); err != nil {
		return fmt.Errorf("persist licensing: %w", err)
	}
	m.notify(OpSetNLM, nil)
	return nil
}

// SetMHLM configures online licensing for an identity token. Failures of the
// online services are recorded as the current error, leaving a record that
// only carries the email address. Only persistence failures are returned.
func (m *Machine) SetMHLM(ctx context.Context, identityToken, emailAddr, sourceID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	token, err := m.api.ExpandToken(ctx, identityToken, sourceID)
	if err != nil {
		m.record(err)
		m.set(&MHLM{EmailAddr: emailAddr})
		m.notify(OpSetMHLM, err)
		return nil
	}

	m.set(&MHLM{
		IdentityToken: identityToken,
		SourceID:      sourceID,
		Expiry:        token.Expiry,
		EmailAddr:     emailAddr,
		FirstName:     token.FirstName,
		LastName:      token.LastName,
		DisplayName:   token.DisplayName,
		UserID:        token.UserID,
		ProfileID:     token.ProfileID,
	})

	if err := m.updateEntitlements(ctx); err != nil {
		m.set(&MHLM{EmailAddr: emailAddr})
		m.notify(OpSetMHLM, err)
		return nil
	}

	if err := m.store.Save(m.Info()); err != nil {
		return fmt.Errorf("persist licensing: %w", err)
	}
	m.notify(OpSetMHLM, nil)
	return nil
}

// UpdateEntitlements refreshes the entitlement list of the current online
// licensing and selects the active entitlement.
func (m *Machine) UpdateEntitlements(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	err := m.updateEntitlements(ctx)
	m.notify(OpRefresh, err)
	return err
}

func (m *Machine) updateEntitlements(ctx context.Context) error {
	cur, ok := m.Info().(*MHLM)
	if !ok {
		return apperror.New(apperror.KindInternal, "MHLM licensing must be configured to update entitlements")
	}

	accessToken, err := m.api.AccessToken(ctx, cur.IdentityToken, cur.SourceID)
	if err != nil {
		m.record(err)
		return err
	}

	entitlements, err := m.api.Entitlements(ctx, accessToken, m.release)
	if apperror.IsKind(err, apperror.KindEntitlement) {
		m.record(err)
		m.set(&MHLM{EmailAddr: cur.EmailAddr})
		return err
	}
	if err != nil {
		m.record(err)
		return err
	}

	if len(entitlements) > 1 {
		m.logger.Warn("Multiple entitlements returned, using the first",
			"count", len(entitlements), "entitlement_id", entitlements[0].ID)
	}
	cur.Entitlements = entitlements
	cur.EntitlementID = entitlements[0].ID
	m.set(cur)
	return nil
}

// Unset clears licensing and removes the persisted file. A recorded
// licensing error is cleared; other errors are left alone.
func (m *Machine) Unset() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.set(nil)
	m.errs.ClearIf(func(e *apperror.Error) bool { return e.Kind.IsLicensing() })
	err := m.store.Delete()
	m.notify(OpUnset, err)
	return err
}

// AccessToken fetches a fresh access token for the current online licensing.
func (m *Machine) AccessToken(ctx context.Context) (string, error) {
	cur, ok := m.Info().(*MHLM)
	if !ok {
		return "", apperror.New(apperror.KindInternal, "MHLM licensing must be configured to fetch an access token")
	}
	token, err := m.api.AccessToken(ctx, cur.IdentityToken, cur.SourceID)
	if err != nil {
		m.record(err)
		return "", err
	}
	return token, nil
}

// ParseExpiry parses a token expiry date, with or without fractional seconds.
func ParseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty expiry")
	}
	if t, err := time.Parse(ExpiryLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
