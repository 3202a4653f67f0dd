package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
)

// HTTPErrorResponder writes an error response for err.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the error responder. nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = apperrors.RespondWithError
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
