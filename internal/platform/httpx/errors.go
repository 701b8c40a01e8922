package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the workflow domain layer. Services wrap these with
// context; RespondError maps them onto HTTP statuses.
var (
	ErrNotFound             = errors.New("resource not found")
	ErrForbidden            = errors.New("forbidden")
	ErrNotYourTurn          = errors.New("not your turn to act")
	ErrAlreadyResolved      = errors.New("already resolved")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrMissingJustification = errors.New("justification required")
	ErrValidation           = errors.New("validation failed")
)

// RespondError maps domain errors to HTTP envelope responses. Turn violations
// and stale transitions are conflicts: the caller raced another actor and must
// re-query before retrying.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		Fail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotYourTurn), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidTransition):
		Fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrMissingJustification), errors.Is(err, ErrValidation):
		Fail(w, http.StatusBadRequest, err.Error())
	default:
		Fail(w, http.StatusInternalServerError, "internal error")
	}
}
