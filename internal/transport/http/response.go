package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"order-dispatch-service/internal/service"
)

type apiError struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, apiError{Error: errorBody{Kind: kind, Message: msg}})
}

// writeServiceErr maps dispatcher errors to HTTP statuses. Upstream outages
// become 503 so callers can tell "try later" from "your input was wrong".
func writeServiceErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrMalformedToken),
		errors.Is(err, service.ErrInvalidStatus):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrBadSignature),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrWrongKind):
		code = http.StatusUnauthorized
	case errors.Is(err, service.ErrTokenAlreadyUsed):
		code = http.StatusConflict
	case errors.Is(err, service.ErrUnknownProduct),
		errors.Is(err, service.ErrInvalidPromo),
		errors.Is(err, service.ErrPaymentNotCaptured),
		errors.Is(err, service.ErrAmountTooLow):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrGatewayUnreachable),
		errors.Is(err, service.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeErr(w, code, service.ErrorKind(err), err.Error())
}
