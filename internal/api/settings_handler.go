package api

import (
	"encoding/json"
	"net/http"

	apperrors "v64assist/backend/internal/errors"
	"v64assist/backend/internal/model"
	"v64assist/backend/internal/service"
)

// SettingsHandler serves application settings and the business profile.
type SettingsHandler struct {
	settings *service.SettingsService
	profile  *service.ProfileService
}

func NewSettingsHandler(settings *service.SettingsService, profile *service.ProfileService) *SettingsHandler {
	return &SettingsHandler{settings: settings, profile: profile}
}

func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.settings.Get(r.Context()))
}

func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings service.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondWithError(w, apperrors.ErrValidation)
		return
	}
	if err := h.settings.Save(r.Context(), settings); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *SettingsHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.profile.Snapshot(r.Context()))
}

func (h *SettingsHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var profile model.BusinessProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondWithError(w, apperrors.ErrValidation)
		return
	}
	h.profile.Update(r.Context(), profile)
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}
