package appstate

import (
	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
)

// LicensingChanged journals licensing operations and counts them.
func (s *AppState) LicensingChanged(op licensing.Operation, info licensing.Info, err error) {
	if s.metrics != nil {
		s.metrics.LicensingOperation(string(op), err)
	}
	if s.audit == nil {
		return
	}

	var auditErr error
	switch {
	case err != nil:
		auditErr = s.audit.LogLicensingFailed(licensingType(info), string(op), err.Error())
	case op == licensing.OpUnset:
		auditErr = s.audit.LogLicensingUnset()
	case op == licensing.OpSetNLM || op == licensing.OpSetMHLM:
		auditErr = s.audit.LogLicensingSet(licensingType(info), credential(info))
	}
	if auditErr != nil {
		s.logger.Warn("Failed to journal licensing change", "operation", op, "error", auditErr)
	}
}

// EngineStarted journals an engine spawn.
func (s *AppState) EngineStarted(port int) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogEngineStart(licensingType(s.Licensing.Info()), port); err != nil {
		s.logger.Warn("Failed to journal engine start", "error", err)
	}
}

// EngineStopped journals an intentional engine stop.
func (s *AppState) EngineStopped(port int) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogEngineStop(port); err != nil {
		s.logger.Warn("Failed to journal engine stop", "error", err)
	}
}

// EngineCrashed journals an unintended engine exit.
func (s *AppState) EngineCrashed(port int, crash *apperror.Error) {
	if s.audit == nil {
		return
	}
	errorType := ""
	if crash != nil {
		errorType = crash.Kind.String()
	}
	if err := s.audit.LogEngineCrash(licensingType(s.Licensing.Info()), port, errorType); err != nil {
		s.logger.Warn("Failed to journal engine crash", "error", err)
	}
}

func licensingType(info licensing.Info) string {
	if info == nil {
		return ""
	}
	return info.Type()
}

// credential is the secret identifying a licensing record. Only its
// fingerprint is journaled.
func credential(info licensing.Info) string {
	switch info := info.(type) {
	case licensing.NLM:
		return info.ConnStr
	case *licensing.MHLM:
		return info.IdentityToken
	}
	return ""
}
