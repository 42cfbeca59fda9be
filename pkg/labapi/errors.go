package labapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/resilience"
)

// ErrorBody is the JSON shape of every non-2xx backend response.
type ErrorBody struct {
	Error string `json:"error"`
}

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("labapi: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("labapi: HTTP %d: %s", e.StatusCode, e.Body)
}

// Kind implements apperr.Classifier.
func (e *APIError) Kind() apperr.Kind {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return apperr.KindNotFound
	case e.StatusCode == http.StatusBadRequest,
		e.StatusCode == http.StatusConflict,
		e.StatusCode == http.StatusUnprocessableEntity:
		return apperr.KindValidation
	case resilience.IsTransientHTTPStatus(e.StatusCode):
		return apperr.KindTransient
	}
	return apperr.KindUnknown
}

// newAPIError builds the error for a non-2xx response. Retryable statuses
// are additionally marked transient.
func newAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var eb ErrorBody
	if json.Unmarshal(body, &eb) == nil {
		apiErr.Message = eb.Error
	}
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(apiErr, status)
	}
	return apiErr
}

// Message returns the backend's user-facing message for err, falling back
// to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
