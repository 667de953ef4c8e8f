package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/services"
	"github.com/ridged/authd/internal/tokens"
)

const maxBodyBytes = 1 << 20

type contextKey string

const contextClaimsKey contextKey = "claims"

// Envelope is the body of every response.
type Envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func claimsFromContext(ctx context.Context) (*tokens.Claims, error) {
	claims, ok := ctx.Value(contextClaimsKey).(*tokens.Claims)
	if !ok || claims == nil {
		return nil, errors.New("missing claims")
	}
	return claims, nil
}

func accountIDFromContext(ctx context.Context) (int64, error) {
	claims, err := claimsFromContext(ctx)
	if err != nil {
		return 0, err
	}
	return claims.AccountID()
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid account id")
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Message: message})
}

// writeValidationError reports per-field problems found by ozzo-validation.
func writeValidationError(w http.ResponseWriter, err error) {
	fields := map[string]string{}
	var errs validation.Errors
	if errors.As(err, &errs) {
		for field, fieldErr := range errs {
			if fieldErr != nil {
				fields[field] = fieldErr.Error()
			}
		}
	}
	writeJSON(w, http.StatusBadRequest, Envelope{Message: "validation failed", Errors: fields})
}

// writeServiceError turns a workflow error into a response. Anything that is
// not a services.Failure is logged and reported as a generic internal error.
func writeServiceError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	if f, ok := services.AsFailure(err); ok {
		writeError(w, f.Kind.Status(), f.Message)
		return
	}
	if errors.Is(err, context.Canceled) {
		log.Info(r.Context(), "request canceled", "path", r.URL.Path)
	} else {
		log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, http.StatusInternalServerError, services.MsgInternal)
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, "ok", nil)
}
