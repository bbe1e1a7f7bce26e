package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/auth"
	"github.com/example/spotkeeper/internal/http/middleware"
	"github.com/example/spotkeeper/internal/sensor"
	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/service"
)

// HTTP exposes sensor ingest and the operator API.
type HTTP struct {
	rec      *service.Reconciler
	ingestor *sensor.Ingestor
	idem     domain.IdempotencyRepository
	limiter  *middleware.RateLimiter
	clock    domain.Clock
	secret   string
	logger   *zap.Logger
}

// NewHTTP constructs a handler. limiter and idem may be nil; an empty secret
// leaves the operator routes open.
func NewHTTP(rec *service.Reconciler, ingestor *sensor.Ingestor, idem domain.IdempotencyRepository, limiter *middleware.RateLimiter, clock domain.Clock, secret string, logger *zap.Logger) *HTTP {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{rec: rec, ingestor: ingestor, idem: idem, limiter: limiter, clock: clock, secret: secret, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Logger, chimw.Recoverer)
	r.Get("/docs/openapi.yaml", openAPIHandler)
	r.With(h.limiter.Middleware).Post("/v1/readings", h.postReading)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret, auth.RoleOperator))
		r.Post("/v1/reservations", h.postReservation)
		r.Post("/v1/sweeps", h.postSweep)
		r.Get("/v1/parkings/{parkingID}/spots/{spotID}", h.getSpot)
	})
	return r
}

type readingRequest struct {
	ParkingID  string    `json:"parking_id"`
	SpotID     string    `json:"spot_id"`
	Status     string    `json:"status"`
	Distance   float64   `json:"distance"`
	ObservedAt time.Time `json:"observed_at"`
}

type readingResponse struct {
	ParkingID  string            `json:"parking_id"`
	SpotID     string            `json:"spot_id"`
	Status     domain.SpotStatus `json:"status"`
	Previous   domain.SpotStatus `json:"previous,omitempty"`
	Suppressed bool              `json:"suppressed"`
}

func (h *HTTP) postReading(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.idem != nil {
		if cached, ok, err := h.idem.GetResponse(r.Context(), key); err == nil && ok {
			writeRaw(w, http.StatusAccepted, cached)
			return
		}
	}

	var payload readingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	change, err := h.ingestor.Ingest(r.Context(), domain.Reading{
		Key:        domain.SpotKey{ParkingID: payload.ParkingID, SpotID: payload.SpotID},
		Status:     domain.SpotStatus(payload.Status),
		Distance:   payload.Distance,
		ObservedAt: payload.ObservedAt.UTC(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := json.Marshal(readingResponse{
		ParkingID:  payload.ParkingID,
		SpotID:     payload.SpotID,
		Status:     change.New,
		Previous:   change.Old,
		Suppressed: change.Suppressed,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if key != "" && h.idem != nil {
		_ = h.idem.PutResponse(r.Context(), key, body)
	}
	writeRaw(w, http.StatusAccepted, body)
}

type reservationRequest struct {
	BookingID       string    `json:"booking_id"`
	ParkingID       string    `json:"parking_id"`
	SpotID          string    `json:"spot_id"`
	UserID          string    `json:"user_id"`
	ExpectedArrival time.Time `json:"expected_arrival"`
	DeadlineArrival time.Time `json:"deadline_arrival"`
	ExpiryTime      time.Time `json:"expiry_time"`
}

func (h *HTTP) postReservation(w http.ResponseWriter, r *http.Request) {
	var payload reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	booking, err := h.rec.Reserve(r.Context(), service.ReserveRequest{
		BookingID:       payload.BookingID,
		ParkingID:       payload.ParkingID,
		SpotID:          payload.SpotID,
		UserID:          payload.UserID,
		ExpectedArrival: payload.ExpectedArrival,
		DeadlineArrival: payload.DeadlineArrival,
		ExpiryTime:      payload.ExpiryTime,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		h.logger.Info("reservation placed", zap.String("booking_id", booking.ID), zap.String("operator", claims.Subject))
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTP) postSweep(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	if raw := r.URL.Query().Get("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid now", http.StatusBadRequest)
			return
		}
		now = parsed.UTC()
	}
	result, err := h.rec.SweepExpiredReservations(r.Context(), now)
	if err != nil {
		h.logger.Warn("sweep incomplete", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"result": result, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTP) getSpot(w http.ResponseWriter, r *http.Request) {
	spot, err := h.rec.Spot(r.Context(), domain.SpotKey{ParkingID: chi.URLParam(r, "parkingID"), SpotID: chi.URLParam(r, "spotID")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot.Record())
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sensor.ErrInvalidReading), errors.Is(err, service.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrPreconditionFailed):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
