package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"provisioning-api-go/internal/datastore"
	"provisioning-api-go/internal/lifecycle"
	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/portpool"
	"provisioning-api-go/internal/provisioner"
)

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondWithError sends an error JSON response
func respondWithError(w http.ResponseWriter, status int, message string, details ...string) {
	respondWithJSON(w, status, models.ErrorResponse{Error: message, Details: details})
}

// respondWithErr maps a lifecycle error onto a status code and body
func respondWithErr(w http.ResponseWriter, err error) {
	var (
		perr *provisioner.ProvisioningError
		terr *provisioner.TerminationError
	)

	switch {
	case errors.Is(err, portpool.ErrExhausted):
		respondWithError(w, http.StatusServiceUnavailable, "node port pool exhausted, retry later")
	case errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, http.StatusGatewayTimeout, "provisioning timed out", provisioningDetails(err)...)
	case errors.Is(err, datastore.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "application not found")
	case errors.Is(err, datastore.ErrDuplicate):
		respondWithError(w, http.StatusConflict, "application already exists")
	case errors.Is(err, provisioner.ErrInvalidState), errors.Is(err, lifecycle.ErrNotActive):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidRequest), errors.Is(err, provisioner.ErrInvalidSpec):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &perr):
		respondWithError(w, http.StatusBadGateway, "deployment failed", provisioningDetails(err)...)
	case errors.As(err, &terr):
		details := []string{terr.Cause.Error()}
		for _, warning := range terr.Warnings {
			details = append(details, warning.String())
		}
		respondWithError(w, http.StatusBadGateway, "termination failed", details...)
	default:
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func provisioningDetails(err error) []string {
	var perr *provisioner.ProvisioningError
	if !errors.As(err, &perr) {
		return nil
	}

	details := []string{perr.Cause.Error()}
	if len(perr.RolledBack) > 0 {
		names := make([]string, len(perr.RolledBack))
		for i, res := range perr.RolledBack {
			names[i] = string(res)
		}
		details = append(details, "rolled back: "+strings.Join(names, ", "))
	}
	for _, f := range perr.RollbackFailures {
		details = append(details, "rollback failed: "+f.Error())
	}
	return details
}
