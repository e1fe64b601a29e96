package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"taler-merchant/internal/apierr"
)

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of an error response: a stable numeric
// code, a short machine tag, a human-readable message, and where
// applicable the exchange's signed proof.
type errorBody struct {
	Code    int    `json:"code"`
	Tag     string `json:"error"`
	Message string `json:"hint"`
	Proof   any    `json:"proof,omitempty"`
}

func writeError(w http.ResponseWriter, status, code int, tag, message string, proof any) {
	writeJSON(w, status, errorBody{Code: code, Tag: tag, Message: message, Proof: proof})
}

// writeErr translates err into an HTTP error response, using the typed
// apierr.Error's own status/code/tag/proof when present and falling back to
// a bare 500 otherwise (an unclassified error is always an invariant bug,
// never something a wallet should act on).
func writeErr(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.HTTPStatus(), apiErr.Code, apiErr.Tag, apiErr.Message, apiErr.Proof)
		return
	}
	log.WithError(err).Error("unclassified handler error")
	writeError(w, http.StatusInternalServerError, 0, "InternalInvariantFailure", "internal error", nil)
}
