// Package handlers implements the control API: engine status, start and
// stop, licensing changes and integration shutdown.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
	"github.com/tomyedwab/matlabproxy/matlabhub/appstate"
	"github.com/tomyedwab/matlabproxy/matlabhub/audit"
	"github.com/tomyedwab/matlabproxy/matlabhub/processes"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// LicensingRequest is the body of PUT set_licensing_info.
type LicensingRequest struct {
	Type             string `json:"type"`
	ConnectionString string `json:"connectionString"`
	Token            string `json:"token"`
	EmailAddress     string `json:"emailAddress"`
	SourceID         string `json:"sourceId"`
}

// ControlHandler serves the control API on top of an AppState.
type ControlHandler struct {
	state     *appstate.AppState
	logger    *slog.Logger
	terminate func()
}

// NewControlHandler creates a handler. terminate is called, once the final
// response has been flushed, when the integration is asked to shut down.
func NewControlHandler(state *appstate.AppState, logger *slog.Logger, terminate func()) *ControlHandler {
	return &ControlHandler{
		state:     state,
		logger:    logger.With("component", "ControlAPI"),
		terminate: terminate,
	}
}

func (h *ControlHandler) writeStatus(w http.ResponseWriter, r *http.Request) {
	handleAPIResponse(h.logger, w, r, h.state.Status(""), nil, http.StatusOK)
}

// HandleGetStatus handles GET get_status
func (h *ControlHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r)
}

// HandleStartEngine handles PUT start_matlab. A running engine is restarted.
func (h *ControlHandler) HandleStartEngine(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := h.state.Engine.Start(ctx, true); err != nil {
		if errors.Is(err, processes.ErrNotLicensed) || errors.Is(err, processes.ErrAlreadyRunning) ||
			errors.Is(err, processes.ErrStartCanceled) {
			handleAPIResponse(h.logger, w, r, nil, err, http.StatusConflict)
			return
		}
		// Failures with a user-facing error are reported through the status.
		if _, ok := apperror.As(err); !ok {
			handleAPIResponse(h.logger, w, r, nil, err, http.StatusInternalServerError)
			return
		}
	}
	h.writeStatus(w, r)
}

// HandleStopEngine handles DELETE stop_matlab
func (h *ControlHandler) HandleStopEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.state.Engine.Stop(context.WithoutCancel(r.Context())); err != nil {
		handleAPIResponse(h.logger, w, r, nil, err, http.StatusInternalServerError)
		return
	}
	h.writeStatus(w, r)
}

// HandleSetLicensing handles PUT set_licensing_info. Once licensing is
// complete, and no licensing error was recorded, the engine is (re)started.
func (h *ControlHandler) HandleSetLicensing(w http.ResponseWriter, r *http.Request) {
	var req LicensingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid licensing request", "error", err)
		http.Error(w, "Error with licensing!", http.StatusBadRequest)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	var err error
	switch req.Type {
	case "NLM":
		err = h.state.Licensing.SetNLM(ctx, req.ConnectionString)
	case "MHLM":
		err = h.state.Licensing.SetMHLM(ctx, req.Token, req.EmailAddress, req.SourceID)
	default:
		err = fmt.Errorf("license type must be \"NLM\" or \"MHLM\", got %q", req.Type)
	}
	if err != nil {
		h.logger.Warn("Failed to set licensing", "type", req.Type, "error", err)
		http.Error(w, "Error with licensing!", http.StatusBadRequest)
		return
	}

	current := h.state.Errors.Get()
	if h.state.Licensing.IsLicensed() && (current == nil || !current.Kind.IsLicensing()) {
		if err := h.state.Engine.Start(ctx, true); err != nil {
			h.logger.Warn("Engine start after licensing failed", "error", err)
		}
	}
	h.writeStatus(w, r)
}

// HandleUnsetLicensing handles DELETE set_licensing_info. Removing licensing
// stops the engine.
func (h *ControlHandler) HandleUnsetLicensing(w http.ResponseWriter, r *http.Request) {
	if err := h.state.Engine.Stop(context.WithoutCancel(r.Context())); err != nil {
		h.logger.Warn("Failed to stop engine", "error", err)
	}
	if err := h.state.Licensing.Unset(); err != nil {
		handleAPIResponse(h.logger, w, r, nil, err, http.StatusInternalServerError)
		return
	}
	h.writeStatus(w, r)
}

// HandleTerminateIntegration handles DELETE terminate_integration. The
// response is flushed before shutdown begins.
func (h *ControlHandler) HandleTerminateIntegration(w http.ResponseWriter, r *http.Request) {
	handleAPIResponse(h.logger, w, r, h.state.Status("../"), nil, http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil {
		h.logger.Debug("Flush not supported", "error", err)
	}
	h.logger.Info("Integration termination requested")
	if h.terminate != nil {
		go h.terminate()
	}
}

// HandleGetAuditEvents handles GET get_audit_events?limit=N&type=T. type
// restricts the result to one event type.
func (h *ControlHandler) HandleGetAuditEvents(w http.ResponseWriter, r *http.Request) {
	journal := h.state.Audit()
	if journal == nil {
		http.Error(w, "Audit journal is disabled", http.StatusNotFound)
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	var events []audit.Event
	var err error
	if eventType := r.URL.Query().Get("type"); eventType != "" {
		if !audit.EventType(eventType).Valid() {
			http.Error(w, "unknown event type", http.StatusBadRequest)
			return
		}
		events, err = journal.GetEventsByType(audit.EventType(eventType), limit)
	} else {
		events, err = journal.GetRecentEvents(limit)
	}
	handleAPIResponse(h.logger, w, r, map[string]any{"events": events}, err, http.StatusInternalServerError)
}
