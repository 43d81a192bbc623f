package appstate

import (
	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
)

// Status is the payload of every control API response.
type Status struct {
	Matlab    EngineStatus  `json:"matlab"`
	Licensing any           `json:"licensing"`
	LoadURL   *string       `json:"loadUrl"`
	Error     *ErrorPayload `json:"error"`
	WSEnv     string        `json:"wsEnv"`
}

type EngineStatus struct {
	Status  string  `json:"status"`
	Version *string `json:"version"`
}

type ErrorPayload struct {
	Message string   `json:"message"`
	Logs    []string `json:"logs"`
	Type    string   `json:"type"`
}

type nlmPayload struct {
	Type             string `json:"type"`
	ConnectionString string `json:"connectionString"`
}

type mhlmPayload struct {
	Type          string                  `json:"type"`
	EmailAddress  string                  `json:"emailAddress"`
	Entitlements  []licensing.Entitlement `json:"entitlements"`
	EntitlementID *string                 `json:"entitlementId"`
}

// Status snapshots the current state. loadURL is included when non-empty.
func (s *AppState) Status(loadURL string) Status {
	status := Status{
		Matlab: EngineStatus{
			Status: s.Engine.Status().String(),
		},
		Licensing: marshalLicensing(s.Licensing.Info()),
		Error:     marshalError(s.Errors.Get()),
		WSEnv:     s.runtime.Settings.WSEnv,
	}
	if release := s.runtime.Release; release != "" {
		status.Matlab.Version = &release
	}
	if loadURL != "" {
		status.LoadURL = &loadURL
	}
	return status
}

func marshalLicensing(info licensing.Info) any {
	switch info := info.(type) {
	case licensing.NLM:
		return nlmPayload{Type: info.Type(), ConnectionString: info.ConnStr}
	case *licensing.MHLM:
		payload := mhlmPayload{
			Type:         info.Type(),
			EmailAddress: info.EmailAddr,
			Entitlements: info.Entitlements,
		}
		if payload.Entitlements == nil {
			payload.Entitlements = []licensing.Entitlement{}
		}
		if info.EntitlementID != "" {
			id := info.EntitlementID
			payload.EntitlementID = &id
		}
		return payload
	default:
		return nil
	}
}

func marshalError(err *apperror.Error) *ErrorPayload {
	if err == nil {
		return nil
	}
	logs := err.Logs
	if logs == nil {
		logs = []string{}
	}
	return &ErrorPayload{
		Message: err.Message,
		Logs:    logs,
		Type:    err.Kind.String(),
	}
}
