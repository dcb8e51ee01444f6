package bridge

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// MethodNotSupportedError is returned for methods §4.10's body
// forwarding rules don't cover.
type MethodNotSupportedError struct{ Method string }

func (e *MethodNotSupportedError) Error() string {
	return fmt.Sprintf("bridge: method %q not supported", e.Method)
}

// PrepareRequestBody implements §4.10's "Request body forwarding"
// rules: PUT and urlencoded POST bodies stream straight through;
// multipart/form-data POST bodies are fully buffered first (since
// per-part content-lengths aren't known until every part has
// arrived, they can't be handed to C9 as they arrive); GET/HEAD carry
// no body; anything else is rejected.
func PrepareRequestBody(r *http.Request) (io.Reader, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return nil, nil

	case http.MethodPut:
		return r.Body, nil

	case http.MethodPost:
		contentType := r.Header.Get("Content-Type")
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("bridge: parse Content-Type %q: %w", contentType, err)
		}
		switch mediaType {
		case "application/x-www-form-urlencoded":
			return r.Body, nil
		case "multipart/form-data":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, fmt.Errorf("bridge: buffer multipart body: %w", err)
			}
			return bytes.NewReader(body), nil
		default:
			return nil, &MethodNotSupportedError{Method: "POST " + mediaType}
		}

	default:
		return nil, &MethodNotSupportedError{Method: r.Method}
	}
}
