package handlers

import (
	"errors"
	"net/http"

	"github.com/dvloznov/kakeibo/internal/api/middleware"
	"github.com/dvloznov/kakeibo/internal/classifier"
	"github.com/dvloznov/kakeibo/internal/extract"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/pipeline"
	"github.com/dvloznov/kakeibo/internal/store"
)

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var mismatch *extract.SchemaMismatchError
	switch {
	case errors.Is(err, ledger.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, institution.ErrUnknownInstitution), errors.Is(err, store.ErrTableNotFound):
		return http.StatusNotFound
	case errors.As(err, &mismatch), errors.Is(err, extract.ErrNoAsOfDate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, classifier.ErrClassificationFailure):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrClassifierUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Server errors get a generic
// message; client errors carry the error text.
func writeErr(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.WriteError(w, status, fallback)
		return
	}
	middleware.WriteError(w, status, err.Error())
}

// methodNotAllowed is the shared response for unsupported methods.
func methodNotAllowed(w http.ResponseWriter) {
	middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
