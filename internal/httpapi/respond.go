package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"canaryd/internal/errcode"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOK wraps the payload in the success envelope. A nil payload yields
// the bare {"ok":true}.
func writeOK(w http.ResponseWriter, payload map[string]any) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["ok"] = true
	writeJSON(w, http.StatusOK, body)
}

// writeError maps the error onto the uniform failure envelope. Meta fields
// of a device error are flattened into the envelope.
func writeError(w http.ResponseWriter, err error) {
	var de *errcode.Error
	if !errors.As(err, &de) {
		de = errcode.Wrap(err, errcode.CodeInternal, "unexpected error")
	}

	body := map[string]any{
		"ok":      false,
		"error":   string(de.Code),
		"message": de.Message,
	}
	for k, v := range de.Meta {
		body[k] = v
	}
	writeJSON(w, de.HTTPStatus(), body)
}

// decodeBody parses a JSON request body into dst. An empty body leaves
// dst zeroed; a syntactically invalid or oversized one maps to BadRequest.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errcode.Wrap(err, errcode.CodeBadRequest, "invalid request body")
	}
	return nil
}
