package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/current"
	"rubintv/services/backend/internal/historical"
	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/models"
)

const busyRetryAfter = "5"

// CurrentState is the read side of one location's live tracker.
type CurrentState interface {
	DayObs() string
	CurrentEvents(camera string) []models.Event
	CurrentTable(camera string) models.Table
	CurrentMetadata(camera string) map[string]any
	CurrentPerDay(camera string) map[string]models.Event
	CurrentChannelEvent(camera, channel string) (models.Event, bool)
	CurrentNightReport(camera string) (current.NightReport, bool)
}

// Archive is the query side of the historical archive.
type Archive interface {
	IsBusy() bool
	EventsFor(location, camera, dayObs string) ([]models.Event, error)
	CalendarFor(location, camera string) (historical.Days, error)
	MostRecentDay(location, camera string) (string, bool, error)
	NightReportFor(location, camera, dayObs string) ([]models.NightReportArtifact, error)
	MetadataFor(ctx context.Context, location, camera, dayObs string) (map[string]any, error)
	ChannelTable(location, camera, dayObs string) (models.Table, error)
	PerDayFor(location, camera, dayObs string) (map[string]models.Event, error)
}

type DetectorStatus interface {
	Available() bool
}

// ClientHub is the part of the fan-out registry the websocket endpoint needs.
type ClientHub interface {
	ClientCount() int
	ServeWebsocket(ctx context.Context, conn *websocket.Conn)
}

type Handler struct {
	locations          []config.Location
	trackers           map[string]CurrentState
	archive            Archive
	hub                ClientHub
	detectors          DetectorStatus
	corsAllowedOrigins []string
	rateLimiter        *apiRateLimiter
	upgrader           websocket.Upgrader
}

func NewHandler(
	locations []config.Location,
	trackers map[string]CurrentState,
	archive Archive,
	hub ClientHub,
	detectors DetectorStatus,
	corsAllowedOrigins []string,
	rateLimitRequestsPerSec float64,
	rateLimitBurst int,
) *Handler {
	h := &Handler{
		locations:          locations,
		trackers:           trackers,
		archive:            archive,
		hub:                hub,
		detectors:          detectors,
		corsAllowedOrigins: corsAllowedOrigins,
		rateLimiter:        newAPIRateLimiter(rateLimitRequestsPerSec, rateLimitBurst),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		if h.rateLimiter != nil {
			r.Use(h.rateLimiter.Middleware)
		}
		r.Get("/ws", h.serveWebsocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))

			r.Route("/api/{location}/{camera}", func(r chi.Router) {
				r.Use(h.withCamera)
				r.Get("/current", h.getCurrent)
				r.Get("/current/night_report", h.getCurrentNightReport)
				r.Get("/current/{channel}", h.getCurrentChannel)
				r.Get("/calendar", h.getCalendar)
				r.Get("/most_recent", h.getMostRecent)
				r.Get("/date/{date}", h.getDate)
				r.Get("/date/{date}/night_report", h.getDateNightReport)
			})
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":      "ok",
		"archiveBusy": h.archive.IsBusy(),
		"clients":     h.hub.ClientCount(),
	}
	if h.detectors != nil {
		status["detectors"] = h.detectors.Available()
	}
	writeJSON(w, http.StatusOK, status)
}

type currentView struct {
	Location string                  `json:"location"`
	Camera   string                  `json:"camera"`
	DayObs   string                  `json:"dayObs"`
	Table    models.Table            `json:"table"`
	PerDay   map[string]models.Event `json:"perDay"`
	Metadata map[string]any          `json:"metadata"`
}

func (h *Handler) getCurrent(w http.ResponseWriter, r *http.Request) {
	location, camera := chi.URLParam(r, "location"), chi.URLParam(r, "camera")
	tracker, ok := h.trackers[location]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "location not tracked"})
		return
	}
	writeJSON(w, http.StatusOK, currentView{
		Location: location,
		Camera:   camera,
		DayObs:   tracker.DayObs(),
		Table:    tracker.CurrentTable(camera),
		PerDay:   tracker.CurrentPerDay(camera),
		Metadata: tracker.CurrentMetadata(camera),
	})
}

func (h *Handler) getCurrentChannel(w http.ResponseWriter, r *http.Request) {
	location, camera := chi.URLParam(r, "location"), chi.URLParam(r, "camera")
	tracker, ok := h.trackers[location]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "location not tracked"})
		return
	}
	event, ok := tracker.CurrentChannelEvent(camera, chi.URLParam(r, "channel"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no event for channel today"})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) getCurrentNightReport(w http.ResponseWriter, r *http.Request) {
	location, camera := chi.URLParam(r, "location"), chi.URLParam(r, "camera")
	tracker, ok := h.trackers[location]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "location not tracked"})
		return
	}
	report, ok := tracker.CurrentNightReport(camera)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no night report today"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) getCalendar(w http.ResponseWriter, r *http.Request) {
	days, err := h.archive.CalendarFor(chi.URLParam(r, "location"), chi.URLParam(r, "camera"))
	if err != nil {
		writeArchiveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

func (h *Handler) getMostRecent(w http.ResponseWriter, r *http.Request) {
	day, ok, err := h.archive.MostRecentDay(chi.URLParam(r, "location"), chi.URLParam(r, "camera"))
	if err != nil {
		writeArchiveError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no historical data"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"date": day})
}

type dateView struct {
	Location string                  `json:"location"`
	Camera   string                  `json:"camera"`
	Date     string                  `json:"date"`
	Table    models.Table            `json:"table"`
	PerDay   map[string]models.Event `json:"perDay"`
	Metadata map[string]any          `json:"metadata"`
}

func (h *Handler) getDate(w http.ResponseWriter, r *http.Request) {
	location, camera := chi.URLParam(r, "location"), chi.URLParam(r, "camera")
	date, ok := parseDate(w, r)
	if !ok {
		return
	}

	table, err := h.archive.ChannelTable(location, camera, date)
	if err != nil {
		writeArchiveError(w, err)
		return
	}
	perDay, err := h.archive.PerDayFor(location, camera, date)
	if err != nil {
		writeArchiveError(w, err)
		return
	}
	metadata, err := h.archive.MetadataFor(r.Context(), location, camera, date)
	if err != nil {
		writeArchiveError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dateView{
		Location: location,
		Camera:   camera,
		Date:     date,
		Table:    table,
		PerDay:   perDay,
		Metadata: metadata,
	})
}

func (h *Handler) getDateNightReport(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDate(w, r)
	if !ok {
		return
	}
	artifacts, err := h.archive.NightReportFor(chi.URLParam(r, "location"), chi.URLParam(r, "camera"), date)
	if err != nil {
		writeArchiveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "artifacts": artifacts})
}

// withCamera rejects locations and cameras that are not in the configured topology.
func (h *Handler) withCamera(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locationName := chi.URLParam(r, "location")
		for _, location := range h.locations {
			if location.Name != locationName {
				continue
			}
			if _, ok := location.Camera(chi.URLParam(r, "camera")); ok {
				next.ServeHTTP(w, r)
				return
			}
			break
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown location or camera"})
	})
}

func parseDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := strings.TrimSpace(chi.URLParam(r, "date"))
	if _, err := time.Parse(models.DayObsLayout, date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return "", false
	}
	return date, true
}

func writeArchiveError(w http.ResponseWriter, err error) {
	var ambiguous *models.AmbiguousArtifactError
	switch {
	case errors.Is(err, historical.ErrBusy):
		w.Header().Set("Retry-After", busyRetryAfter)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "historical data is reloading, retry shortly"})
	case errors.As(err, &ambiguous):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "ambiguous artifact", "keys": ambiguous.Keys})
	default:
		logging.Error().Err(err).Msg("historical query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "historical query failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
