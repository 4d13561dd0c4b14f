package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/verification/domain"
	"github.com/pendergraft/veriforge/internal/workspace"
)

// Service defines the verification service interface for HTTP transport.
type Service interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error)
	Status(ctx context.Context, address string) (*domain.ContractStatus, error)
}

// Handler handles HTTP requests for verification.
type Handler struct {
	svc      Service
	registry *registry.Snapshot
}

// NewHandler creates a new verification HTTP handler.
func NewHandler(svc Service, reg *registry.Snapshot) *Handler {
	return &Handler{svc: svc, registry: reg}
}

// RegisterRoutes registers the verification routes on a chi router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/verify/{address}", h.handleVerify)
	r.Get("/contract/{address}", h.handleStatus)
	r.Get("/licenses", h.handleLicenses)
	r.Get("/languages", h.handleLanguages)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	var manifest workspace.Manifest
	if len(req.Dependencies) > 0 {
		var err error
		manifest, err = workspace.ParseManifestObject(req.Dependencies)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}

	bundle := make([]workspace.SourceFile, len(req.Files))
	for i, f := range req.Files {
		bundle[i] = workspace.SourceFile{Name: f.Name, Content: f.Content}
	}

	result, err := h.svc.Submit(r.Context(), domain.SubmitRequest{
		Address:   address,
		Submitter: req.Submitter,
		License:   req.License,
		Language:  req.Language,
		Manifest:  manifest,
		Bundle:    bundle,
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	status, err := h.svc.Status(r.Context(), address)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to query contract")
		return
	}

	code := http.StatusOK
	if status.Status == domain.StatusNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, status)
}

func (h *Handler) handleLicenses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RegistryResponse{Data: h.registry.LicenseNames()})
}

func (h *Handler) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RegistryResponse{Data: h.registry.LanguageNames()})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var (
		licErr  *domain.LicenseUnsupportedError
		langErr *domain.LanguageUnsupportedError
		regErr  *domain.AlreadyRegisteredError
	)
	switch {
	case errors.As(err, &licErr):
		writeError(w, http.StatusUnprocessableEntity, "LICENSE_UNSUPPORTED", licErr.Error())
	case errors.As(err, &langErr):
		writeError(w, http.StatusUnprocessableEntity, "LANGUAGE_UNSUPPORTED", langErr.Error())
	case errors.As(err, &regErr):
		writeError(w, http.StatusConflict, "ALREADY_REGISTERED", regErr.Error())
	case errors.Is(err, domain.ErrInvalidAddress), errors.Is(err, domain.ErrInvalidSubmitter):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "BUSY", "Verification backlog is full, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit verification")
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
