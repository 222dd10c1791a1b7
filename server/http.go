package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/registration"
)

const (
	// ServiceIDHeader carries the registrant's service identifier.
	ServiceIDHeader = "X-Service-Id"
	// ServiceIDParam is the query parameter fallback for ServiceIDHeader.
	ServiceIDParam = "service_id"

	maxAddressSize = 4 << 10
	helloBody      = "Hello world!"
)

type registrar interface {
	Register(ctx context.Context, address, serviceID string) (*registration.Result, error)
}

// ParentResponse is the body returned to a non-root registrant.
type ParentResponse struct {
	URL       string `json:"url"`
	ServiceID string `json:"service_id"`
}

func newHandler(logger *zap.Logger, reg registrar) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", withLogging(logger, "hello", http.HandlerFunc(hello)))
	mux.Handle("POST /register", withLogging(logger, "register", registerHandler(reg)))
	return mux
}

func hello(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, helloBody)
}

func registerHandler(reg registrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context())

		serviceID := r.Header.Get(ServiceIDHeader)
		if serviceID == "" {
			serviceID = r.URL.Query().Get(ServiceIDParam)
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAddressSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		address := strings.TrimSpace(string(body))

		res, err := reg.Register(r.Context(), address, serviceID)
		switch {
		case errors.Is(err, registration.ErrInvalidAddress):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			logger.Error("registration failed", zap.String("address", address), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if res.Parent == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(ParentResponse{
			URL:       res.Parent.Address,
			ServiceID: res.Parent.ServiceID,
		})
		if err != nil {
			logger.Warn("failed to write response", zap.Error(err))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withLogging gives every request a named logger with a unique request id and
// records request metrics.
func withLogging(logger *zap.Logger, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := logger.Named(route).With(zap.Stringer("request_id", uuid.New()))
		logger.Debug("new request", zap.String("from", r.RemoteAddr), zap.String("method", r.Method))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logging.NewContext(r.Context(), logger)))

		httpRequestsMetric.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		httpDurationMetric.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if rec.status >= http.StatusInternalServerError {
			logger.Info("FAILURE", zap.Int("status", rec.status))
		}
	})
}
