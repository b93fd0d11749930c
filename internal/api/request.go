package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// fieldError is a malformed request body. It maps to 400.
type fieldError struct {
	msg string
}

func (e *fieldError) Error() string { return e.msg }

// requestFields decodes a JSON object body and checks that every required
// field is present and not null.
func requestFields(w http.ResponseWriter, r *http.Request, required ...string) (map[string]json.RawMessage, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &fieldError{fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit)}
		}
		return nil, &fieldError{"Request body must be a JSON object"}
	}
	for _, name := range required {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return nil, &fieldError{"Missing required field: " + name}
		}
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", &fieldError{fmt.Sprintf("Field %s must be a string", name)}
	}
	return v, nil
}

func arrayField(fields map[string]json.RawMessage, name string) ([]any, error) {
	var v []any
	if err := json.Unmarshal(fields[name], &v); err != nil {
		return nil, &fieldError{fmt.Sprintf("Field %s must be an array", name)}
	}
	if v == nil {
		v = []any{}
	}
	return v, nil
}
