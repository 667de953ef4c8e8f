package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/services"
)

// AdminHandler serves account management endpoints.
type AdminHandler struct {
	auth *services.AuthService
	log  logging.Logger
}

func NewAdminHandler(auth *services.AuthService, log logging.Logger) *AdminHandler {
	return &AdminHandler{auth: auth, log: log}
}

// AdminRouter registers admin routes. requireAuth must populate the claims
// that RequireAccountManager reads.
func AdminRouter(r chi.Router, h *AdminHandler, requireAuth func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(requireAuth, h.RequireAccountManager)
		r.Get("/accounts/{accountID}", h.GetAccount)
		r.Post("/accounts/{accountID}/deactivate", h.Deactivate)
		r.Post("/accounts/{accountID}/activate", h.Activate)
	})
}

// RequireAccountManager rejects callers whose stored account may not manage
// accounts. The role claim alone is not trusted: a demoted or deactivated
// caller loses access before their token expires.
func (h *AdminHandler) RequireAccountManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID, err := accountIDFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		caller, err := h.auth.GetAccount(r.Context(), callerID)
		if f, ok := services.AsFailure(err); ok && f.Kind == services.KindNotFound {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		if !caller.IsActive || !caller.Role.CanManageAccounts() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := h.auth.GetAccount(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, "ok", acc)
}

func (h *AdminHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *AdminHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	accountID, err := parseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := h.auth.SetActive(r.Context(), accountID, active)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, services.MsgAccountUpdated, acc)
}
