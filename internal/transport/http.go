// Package transport adapts HTTP and WebSocket requests to dispatcher calls.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/pkg/schema"
)

// HTTPConfig configures the web transport.
type HTTPConfig struct {
	// MaxBodyBytes caps request bodies. Zero means 1 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes"`

	// FingerprintCookie names the cookie that carries the client fingerprint.
	// Empty means "heroFingerprint".
	FingerprintCookie string `json:"fingerprint_cookie"`

	// ServerName is sent as X-Powered-By when set.
	ServerName string `json:"server_name"`
}

const defaultMaxBody = 1 << 20

// callbackPattern restricts JSONP callbacks to dotted JavaScript identifiers.
var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// HTTPHandler serves actions under /api.
type HTTPHandler struct {
	d      *dispatch.Dispatcher
	cfg    HTTPConfig
	logger *slog.Logger
}

// NewHTTPHandler creates an HTTPHandler.
func NewHTTPHandler(d *dispatch.Dispatcher, cfg HTTPConfig, logger *slog.Logger) *HTTPHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.FingerprintCookie == "" {
		cfg.FingerprintCookie = "heroFingerprint"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{d: d, cfg: cfg, logger: logger}
}

// Register mounts the action routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/{$}", h.handleAction)
	mux.HandleFunc("/api/{action}", h.handleAction)
	mux.HandleFunc("/api/{version}/{action}", h.handleAction)
}

// Handler returns a mux with only the action routes.
func (h *HTTPHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func (h *HTTPHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Error: method not allowed"})
		return
	}

	params, err := h.params(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Error: " + err.Error()})
		return
	}
	if name := r.PathValue("action"); name != "" {
		params[schema.ParamAction] = name
	}
	if v := r.PathValue("version"); v != "" {
		// A malformed path version is left for the dispatcher to reject.
		params[schema.ParamAPIVersion] = v
	}

	host, port := splitRemote(r.RemoteAddr)
	req := dispatch.Request{
		Type:          schema.ConnectionWeb,
		Params:        params,
		RemoteAddress: host,
		RemotePort:    port,
		MessageID:     r.Header.Get("X-Request-Id"),
		RawConnection: r,
	}
	if c, err := r.Cookie(h.cfg.FingerprintCookie); err == nil && c.Value != "" {
		req.Fingerprint = c.Value
	}

	res := h.d.Dispatch(r.Context(), req)

	if req.Fingerprint == "" {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cfg.FingerprintCookie,
			Value:    res.Connection.Fingerprint,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if h.cfg.ServerName != "" {
		w.Header().Set("X-Powered-By", h.cfg.ServerName)
	}

	status := StatusFor(res.Err())
	if cb, _ := params[schema.ParamCallback].(string); cb != "" && callbackPattern.MatchString(cb) {
		writeJSONP(w, status, cb, res.Envelope)
		return
	}
	writeJSON(w, status, res.Envelope)
}

// params merges query, form and JSON body params. Later sources win.
func (h *HTTPHandler) params(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	params := make(map[string]any)
	mergeValues(params, r.URL.Query())

	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return params, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, bodyError(err)
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return params, nil
		}
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("request body must be a JSON object")
		}
		for k, v := range obj {
			params[k] = v
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
		mergeValues(params, r.PostForm)
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.cfg.MaxBodyBytes); err != nil {
			return nil, bodyError(err)
		}
		mergeValues(params, r.MultipartForm.Value)
		for name, files := range r.MultipartForm.File {
			if len(files) > 0 {
				params[name] = files[0]
			}
		}
	}
	return params, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
	}
	return fmt.Errorf("invalid request body: %w", err)
}

// mergeValues copies url.Values style params. Single values stay strings.
func mergeValues(dst map[string]any, src map[string][]string) {
	for k, vs := range src {
		switch len(vs) {
		case 0:
		case 1:
			dst[k] = vs[0]
		default:
			dst[k] = append([]string(nil), vs...)
		}
	}
}

// StatusFor maps a dispatch error to an HTTP status code.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	he, ok := schema.AsHeroError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch he.Code {
	case schema.ErrCodeUnknownAction:
		return http.StatusNotFound
	case schema.ErrCodeMissingParameter, schema.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeBlockedConnectionType, schema.ErrCodeMiddleware:
		return http.StatusBadRequest
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func splitRemote(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONP(w http.ResponseWriter, status int, callback string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"Error: response is not serializable"}`)
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s(%s);", callback, body)
}
