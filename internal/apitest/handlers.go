package apitest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pushlab/pushlab/internal/api/models"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data) //nolint:errcheck // client went away
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()

	resp := models.Health{Status: "ok", Database: "ok"}
	if !healthy {
		resp = models.Health{Status: "degraded", Database: "error"}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username, email, and password are required")
		return
	}

	user, err := s.store.createUser(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusCreated, models.AuthResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, models.AuthResponse{Token: token, User: user})
}

func (s *Server) handleAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.store.rotateAPIKey(userIDFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, models.APIKeyResponse{APIKey: key})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req models.DeviceRegistration
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceName == "" || req.DeviceIdentifier == "" || req.DeviceToken == "" || req.BundleID == "" {
		writeError(w, http.StatusBadRequest, "device name, identifier, token, and bundle ID are required")
		return
	}
	if req.Environment == "" {
		req.Environment = models.EnvironmentProduction
	}
	if !req.Environment.Valid() {
		writeError(w, http.StatusBadRequest, "unknown environment")
		return
	}

	device, created := s.store.upsertDevice(userIDFrom(r.Context()), req)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.listDevices(userIDFrom(r.Context())))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.device(userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var patch models.DevicePatch
	if err := decode(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.DeviceName != nil && strings.TrimSpace(*patch.DeviceName) == "" {
		writeError(w, http.StatusBadRequest, "device name must not be empty")
		return
	}

	device, err := s.store.patchDevice(userIDFrom(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.deleteDevice(userIDFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req models.DeviceTokenUpdate
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceToken == "" || req.Environment == "" || req.BundleID == "" {
		writeError(w, http.StatusBadRequest, "device token, environment, and bundle ID are required")
		return
	}

	if err := s.store.updateDeviceToken(userIDFrom(r.Context()), chi.URLParam(r, "id"), req); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "token updated"})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	page := models.Page{Limit: models.DefaultPageLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= models.MaxPageLimit {
			page.Limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			page.Offset = o
		}
	}

	writeJSON(w, http.StatusOK, s.store.listNotifications(userIDFrom(r.Context()), page))
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.notification(userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// writeStoreError answers 403 for another user's resource and 404 otherwise.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrForbidden) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	writeError(w, http.StatusNotFound, err.Error())
}
