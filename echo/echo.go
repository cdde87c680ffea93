// Package echo is the upstream used to observe what Envoy forwards after the
// ext_proc filter ran.
package echo

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type RequestHeaderResponse struct {
	Host    string              `json:"host"`
	Method  string              `json:"method"`
	Headers map[string][]string `json:"headers"`
}

// Header returns the first value of a forwarded header. It is case insensitive.
func (r RequestHeaderResponse) Header(key string) string {
	if v := http.Header(r.Headers).Values(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// RequestHeaders writes the headers the request arrived with.
func RequestHeaders(w http.ResponseWriter, request *http.Request) {
	respond(w, http.StatusOK, RequestHeaderResponse{
		Host:    request.Host,
		Method:  request.Method,
		Headers: request.Header.Clone(),
	})
}

type ResponseHeaderResponse map[string]string

// ResponseHeaders answers with the headers and status named by the query
// parameters, so tests can drive the response direction.
func ResponseHeaders(w http.ResponseWriter, request *http.Request) {
	statusCode := http.StatusOK
	resp := make(ResponseHeaderResponse)
	for k, v := range request.URL.Query() {
		if len(v) == 0 {
			continue
		}
		if k == "status" {
			code, err := strconv.Atoi(v[0])
			if err != nil || code < 100 || code > 599 {
				respond(w, http.StatusBadRequest, ErrorResponse{Error: "invalid status " + strconv.Quote(v[0])})
				return
			}
			statusCode = code
			continue
		}
		for _, value := range v {
			w.Header().Add(k, value)
		}
		resp[k] = v[0]
	}
	respond(w, statusCode, resp)
}

// Register adds the echo handlers to mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/headers", RequestHeaders)
	mux.HandleFunc("/response-headers", ResponseHeaders)
}

func respond(w http.ResponseWriter, statusCode int, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(raw) // nolint:errcheck
}
