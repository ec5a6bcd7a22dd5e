package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/eddielth/sensor-bridge/dispatcher"
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/mqtt"
)

const maxBodySize = 1 << 20

// Controller is the MQTT listener lifecycle exposed over HTTP
type Controller interface {
	Start(id string) error
	Stop(id string) error
	Test(ctx context.Context, id string) (mqtt.TestResult, error)
	Statuses() []mqtt.Status
}

// Handler is the HTTP adapter for webhook ingestion and device control
type Handler struct {
	ingestor *Ingestor
	control  Controller
	metrics  *metrics.Metrics
	baseURL  string
	router   *mux.Router
}

// NewHandler registers all routes. control may be nil when no MQTT
// manager runs.
func NewHandler(i *Ingestor, control Controller, m *metrics.Metrics, baseURL string) *Handler {
	h := &Handler{
		ingestor: i,
		control:  control,
		metrics:  m,
		baseURL:  baseURL,
		router:   mux.NewRouter(),
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	r := h.router
	r.Use(requestLogger)

	r.HandleFunc("/webhook/mqtt/{deviceId}", h.ingest).Methods(http.MethodPost)
	r.HandleFunc("/webhook/mqtt/{deviceId}/instructions", h.instructions).Methods(http.MethodGet)
	r.HandleFunc("/lorawan/webhook", h.lorawan).Methods(http.MethodPost)

	if h.control != nil {
		r.HandleFunc("/devices/status", h.statuses).Methods(http.MethodGet)
		r.HandleFunc("/devices/{deviceId}/start", h.start).Methods(http.MethodPost)
		r.HandleFunc("/devices/{deviceId}/stop", h.stop).Methods(http.MethodPost)
		r.HandleFunc("/devices/{deviceId}/test", h.test).Methods(http.MethodPost)
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, log := logger.ContextWithRequestID(r.Context())
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	if _, err := h.ingestor.lookup(deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.ingestor.VerifyToken(deviceID, r.URL.Query().Get("token")); err != nil {
		writeError(w, r, err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), deviceID, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) instructions(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	baseURL := h.baseURL
	if baseURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		baseURL = scheme + "://" + r.Host
	}

	ins, err := h.ingestor.Instructions(baseURL, deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (h *Handler) lorawan(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.ingestor.IngestLoRaWAN(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if err := h.control.Start(deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "device_id": deviceID})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if err := h.control.Stop(deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "device_id": deviceID})
}

func (h *Handler) test(w http.ResponseWriter, r *http.Request) {
	res, err := h.control.Test(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) statuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.control.Statuses())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return body, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, mqtt.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrEnqueueFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logger.FromContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		log.Warnf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response: %v", err)
	}
}
