package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
)

// handleListDevices returns the registered device inventory.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.fleet.Devices(),
	})
}

// handleDeviceCircuits returns all merged circuit states for a device.
func (s *Server) handleDeviceCircuits(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	states, err := s.fleet.DeviceStates(deviceID)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "unknown device: "+deviceID)
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"circuits":  states,
	})
}

// handleListEntities returns all known entity identities.
func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": s.registry.List(),
	})
}

// entityStateView joins an identity with its merged circuit state.
type entityStateView struct {
	Entity entity.Identity    `json:"entity"`
	State  *evok.CircuitState `json:"state"`
}

// handleEntityState returns the identity and current merged state for an entity.
// State is null when the circuit has not produced an accepted merge yet.
func (s *Server) handleEntityState(w http.ResponseWriter, r *http.Request) {
	entityKey := chi.URLParam(r, "entityKey")

	identity, err := s.registry.LookupKey(entityKey)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			writeNotFound(w, "unknown entity: "+entityKey)
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	view := entityStateView{Entity: identity}
	state, err := s.fleet.CurrentState(entityKey)
	switch {
	case err == nil:
		view.State = &state
	case errors.Is(err, fleet.ErrNoState), errors.Is(err, fleet.ErrDeviceNotFound):
		// Identity exists but nothing merged yet (or owning device removed).
	default:
		writeInternalError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// renameRequest is the body for PUT /entities/{entityKey}/name.
type renameRequest struct {
	DisplayName string `json:"display_name"`
}

// handleRenameEntity updates an entity's display name.
// The entity key is never affected by renames.
func (s *Server) handleRenameEntity(w http.ResponseWriter, r *http.Request) {
	entityKey := chi.URLParam(r, "entityKey")

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DisplayName == "" {
		writeBadRequest(w, "display_name is required")
		return
	}

	if err := s.registry.RenameKey(r.Context(), entityKey, req.DisplayName); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			writeNotFound(w, "unknown entity: "+entityKey)
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	identity, err := s.registry.LookupKey(entityKey)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// commandRequest is the body for POST /entities/{entityKey}/command.
type commandRequest struct {
	Command string `json:"command"`
	Value   any    `json:"value,omitempty"`
}

// handleEntityCommand executes an ad-hoc command against an entity's circuit.
func (s *Server) handleEntityCommand(w http.ResponseWriter, r *http.Request) {
	entityKey := chi.URLParam(r, "entityKey")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var value any
	switch req.Command {
	case "on":
		value = true
	case "off":
		value = false
	case "set":
		if req.Value == nil {
			writeBadRequest(w, "value is required for set")
			return
		}
		value = req.Value
	default:
		writeBadRequest(w, "unknown command: "+req.Command)
		return
	}

	if err := s.fleet.SendCommand(r.Context(), entityKey, value); err != nil {
		switch {
		case errors.Is(err, entity.ErrNotFound):
			writeNotFound(w, "unknown entity: "+entityKey)
		case errors.Is(err, evok.ErrNotWritable):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		case errors.Is(err, evok.ErrNotConnected),
			errors.Is(err, fleet.ErrDeviceNotFound),
			errors.Is(err, fleet.ErrNoState):
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnreachable, err.Error())
		default:
			writeInternalError(w, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"entity_key": entityKey,
		"command":    req.Command,
		"status":     "sent",
	})
}
