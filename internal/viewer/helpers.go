package viewer

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/petervdpas/fieldlink/internal/attach"
	"github.com/petervdpas/fieldlink/internal/call"
	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/transport"
)

// maxBody bounds JSON request bodies.
const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrInvalidIdentity),
		errors.Is(err, config.ErrInvalidEndpoint),
		errors.Is(err, os.ErrNotExist):
		status = http.StatusBadRequest
	case errors.Is(err, transport.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrNoCall),
		errors.Is(err, attach.ErrNotFailed):
		status = http.StatusConflict
	case errors.Is(err, attach.ErrUnknownUpload):
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func handleGet(r *mux.Router, path string, fn http.HandlerFunc) {
	r.HandleFunc(path, fn).Methods(http.MethodGet)
}

// handlePost decodes the JSON body into T before calling fn. An empty body
// leaves T at its zero value.
func handlePost[T any](r *mux.Router, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	r.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	}).Methods(http.MethodPost)
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// localOnly refuses requests that did not come from this machine.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
