// Package api is the REST surface under /api/v1.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

const maxBodyBytes = 1 << 20

// Envelope is the shape of every JSON response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Debug().Err(err).Msg("response encode failed")
	}
}

func respondOK(w http.ResponseWriter, status int, payload any) {
	respondJSON(w, status, Envelope{Success: true, Data: payload})
}

func respondMessage(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, Envelope{Success: false, Message: message, Code: code})
}

// respondError maps the domain error taxonomy onto HTTP status codes.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	respondMessage(w, status, msg, code)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, data.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, data.ErrNotOnline):
		return http.StatusConflict, "device_not_online"
	case errors.Is(err, data.ErrNotActive):
		return http.StatusConflict, "session_not_active"
	case errors.Is(err, data.ErrAlreadyActive):
		return http.StatusConflict, "session_already_active"
	case errors.Is(err, data.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, adapters.ErrAdapter):
		kind, _ := adapters.KindOf(err)
		if kind == adapters.KindTimeout {
			return http.StatusGatewayTimeout, string(kind)
		}
		return http.StatusBadGateway, string(kind)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeJSON reads a bounded JSON body into dst and runs struct validation.
// An empty body is accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return data.Invalid("body", "invalid JSON: "+err.Error())
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return data.Invalid("body", err.Error())
	}
	fe := verrs[0]
	reason := fe.Tag()
	if fe.Param() != "" {
		reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
	}
	return data.Invalid(fe.Field(), "failed "+reason)
}
