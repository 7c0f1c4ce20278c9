package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// Config bounds request decoding
type Config struct {
	MaxBodyBytes int64 `json:"max_body_bytes"`
	MaxErrors    int   `json:"max_errors"`
}

// DefaultConfig returns default validation configuration
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 4 << 20, MaxErrors: 10}
}

// Decoder reads and validates JSON request bodies
type Decoder struct {
	config Config
}

// NewDecoder creates a decoder. Zero limits take the defaults.
func NewDecoder(config Config) *Decoder {
	def := DefaultConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = def.MaxErrors
	}
	return &Decoder{config: config}
}

// Decode reads exactly one JSON value from r's body into dst and validates
// it. Malformed bodies and rule failures are both ValidationErrors.
func (d *Decoder) Decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, d.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ValidationErrors{{Field: "request_body", Message: bodyMessage(err)}}
	}
	if dec.More() {
		return ValidationErrors{{Field: "request_body", Message: "unexpected data after JSON value"}}
	}

	err := Struct(dst)
	var errs ValidationErrors
	if errors.As(err, &errs) && len(errs) > d.config.MaxErrors {
		return errs[:d.config.MaxErrors]
	}
	return err
}

func bodyMessage(err error) string {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return "request body is empty"
	case errors.As(err, &maxBytes):
		return fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit)
	default:
		return fmt.Sprintf("invalid JSON: %v", err)
	}
}

// RequireJSON rejects bodies on POST, PUT and PATCH that are not declared
// as application/json
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if r.ContentLength != 0 && (err != nil || mediaType != "application/json") {
				WriteErrors(w, http.StatusUnsupportedMediaType, ValidationErrors{{
					Field:   "Content-Type",
					Value:   r.Header.Get("Content-Type"),
					Message: "must be application/json",
				}})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string           `json:"error"`
	Errors ValidationErrors `json:"errors"`
	Count  int              `json:"count"`
}

// WriteErrors writes validation errors as a JSON response
func WriteErrors(w http.ResponseWriter, statusCode int, errs ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: "validation failed", Errors: errs, Count: len(errs)})
}
