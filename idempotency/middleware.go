package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gitwithintent/gwi/core"
)

// keyHeaders are recognized in priority order.
var keyHeaders = []string{"X-Idempotency-Key", "Idempotency-Key", "X-Request-ID"}

// MiddlewareConfig configures the HTTP idempotency middleware.
type MiddlewareConfig struct {
	// Methods is the set of methods subject to idempotency.
	// Default: POST, PUT, PATCH.
	Methods []string

	// SkipPaths are path prefixes that bypass the middleware.
	// Default: /health, /metrics.
	SkipPaths []string

	// TenantHeader names the header carrying the tenant id.
	// Default: X-Tenant-ID; absent headers fall back to "default".
	TenantHeader string

	// ClientIDHeader names the header identifying the API client for key
	// derivation. Default: X-Client-ID; absent falls back to remote addr.
	ClientIDHeader string

	// Logger is an optional logger.
	Logger core.Logger
}

// Middleware wraps an http.Handler with idempotency admission for
// API-sourced events. The downstream handler runs at most once per key;
// duplicates replay the captured response with X-Idempotency-Replayed:
// true, and concurrent deliveries get 409 with Retry-After.
func Middleware(service *Service, config MiddlewareConfig) func(http.Handler) http.Handler {
	if len(config.Methods) == 0 {
		config.Methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}
	}
	if len(config.SkipPaths) == 0 {
		config.SkipPaths = []string{"/health", "/metrics"}
	}
	if config.TenantHeader == "" {
		config.TenantHeader = "X-Tenant-ID"
	}
	if config.ClientIDHeader == "" {
		config.ClientIDHeader = "X-Client-ID"
	}
	logger := config.Logger
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("gwi/idempotency")
		}
	}

	methodSet := make(map[string]bool, len(config.Methods))
	for _, m := range config.Methods {
		methodSet[strings.ToUpper(m)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !methodSet[r.Method] || skipPath(config.SkipPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := headerValue(r)
			if requestID == "" {
				// No key supplied; the request is not idempotent-bound.
				next.ServeHTTP(w, r)
				return
			}

			clientID := r.Header.Get(config.ClientIDHeader)
			if clientID == "" {
				clientID = r.RemoteAddr
			}
			key, err := APIKey(clientID, requestID)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_idempotency_key", err.Error(), requestID)
				return
			}

			tenantID := r.Header.Get(config.TenantHeader)
			if tenantID == "" {
				tenantID = "default"
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable_body", err.Error(), key.String())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := core.ContextWithRequestID(r.Context(), key.String())
			result, err := service.Check(ctx, key, tenantID, json.RawMessage(body))
			if err != nil {
				if pe, ok := AsProcessing(err); ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
					writeJSONError(w, http.StatusConflict, "request_in_progress",
						"a request with this idempotency key is still being processed", key.String())
					return
				}
				if errors.Is(err, ErrPayloadMismatch) {
					writeJSONError(w, http.StatusUnprocessableEntity, "payload_mismatch", err.Error(), key.String())
					return
				}
				if logger != nil {
					logger.ErrorWithContext(ctx, "Idempotency check failed", map[string]interface{}{
						"key":   key.String(),
						"error": err.Error(),
					})
				}
				writeJSONError(w, http.StatusInternalServerError, "idempotency_check_failed", err.Error(), key.String())
				return
			}

			if !result.Processed {
				replay(w, key.String(), result.Response)
				return
			}

			// This delivery holds the lock; capture the handler's response
			// and settle the record outside any store transaction.
			rec := newRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			response := rec.toResponse(result.RunID)
			if rec.status >= http.StatusInternalServerError {
				if failErr := service.Fail(ctx, tenantID, key.String(), response); failErr != nil && logger != nil {
					logger.ErrorWithContext(ctx, "Failed to settle idempotency record as failed", map[string]interface{}{
						"key":   key.String(),
						"error": failErr.Error(),
					})
				}
				return
			}
			if err := service.Complete(ctx, tenantID, key.String(), response); err != nil && logger != nil {
				logger.ErrorWithContext(ctx, "Failed to cache idempotent response", map[string]interface{}{
					"key":   key.String(),
					"error": err.Error(),
				})
			}
		})
	}
}

func headerValue(r *http.Request) string {
	for _, h := range keyHeaders {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

func skipPath(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// replay reconstitutes the cached response for a duplicate delivery.
func replay(w http.ResponseWriter, key string, response *Response) {
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.Header().Set("X-Idempotency-Key", key)

	if response == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch response.Kind {
	case ResponseRunStarted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusOr(response.StatusCode, http.StatusAccepted))
		_, _ = w.Write(response.Body)
	case ResponseError:
		writeJSONError(w, statusOr(response.StatusCode, http.StatusBadRequest), "replayed_error", response.Message, key)
	default: // ResponseMessage
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(response.Message))
	}
}

func statusOr(status, fallback int) int {
	if status > 0 {
		return status
	}
	return fallback
}

func writeJSONError(w http.ResponseWriter, status int, code, message, key string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Key", key)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
		"key":     key,
	})
}

// recorder captures the downstream response so it can be cached and
// replayed byte-identically to duplicates.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// toResponse folds the captured bytes into the cached tagged union.
func (r *recorder) toResponse(runID string) *Response {
	if r.status >= http.StatusBadRequest {
		return ErrorResponse(r.status, strings.TrimSpace(r.body.String()))
	}
	body := append(json.RawMessage(nil), r.body.Bytes()...)
	resp := RunStarted(runID, r.status, body)
	if runID == "" {
		// The handler reports its run id in the body when it starts one.
		var parsed struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil {
			resp.RunID = parsed.RunID
		}
	}
	return resp
}
