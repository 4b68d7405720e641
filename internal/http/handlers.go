package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Server exposes the coordinator to the scheduling layer and holds driver
// websocket sessions.
type Server struct {
	Coord  *app.Coordinator
	WSReg  *dispatch.WSRegistry
	logger zerolog.Logger
	mux    *mux.Router
}

func NewServer(coord *app.Coordinator, ws *dispatch.WSRegistry, logger zerolog.Logger) *Server {
	if ws == nil {
		ws = dispatch.NewWSRegistry()
	}
	s := &Server{
		Coord:  coord,
		WSReg:  ws,
		logger: logger.With().Str("component", "http").Logger(),
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/{driver_id}/availability", s.handleDeclare).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/requests/{request_id}", s.handleRequestStatus).Methods(http.MethodGet)
	api.HandleFunc("/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/pickups", s.handlePickup).Methods(http.MethodPost)
	api.HandleFunc("/dispatches", s.handleWasDispatched).Methods(http.MethodGet)
	api.HandleFunc("/places", s.handleRegisterPlace).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type declareBody struct {
	At       time.Time     `json:"at"`
	Location *models.Point `json:"location"`
}

func (s *Server) handleDeclare(w http.ResponseWriter, r *http.Request) {
	var body declareBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.At.IsZero() || body.Location == nil {
		writeError(w, http.StatusBadRequest, "at and location are required")
		return
	}
	driverID := models.DriverID(mux.Vars(r)["driver_id"])
	if err := s.Coord.DeclareAvailable(r.Context(), driverID, body.At, *body.Location); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type requestBody struct {
	ClientID models.ClientID `json:"client_id"`
	Source   string          `json:"source"`
	Location *models.Point   `json:"location"`
	At       time.Time       `json:"at"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.At.IsZero() {
		writeError(w, http.StatusBadRequest, "at is required")
		return
	}
	id, err := s.Coord.RequestRide(r.Context(), app.RideRequest{
		ClientID: body.ClientID,
		Source:   body.Source,
		Location: body.Location,
		At:       body.At,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"request_id": id})
}

type dispatchBody struct {
	NW *models.Point `json:"northwest"`
	SE *models.Point `json:"southeast"`
	At time.Time     `json:"at"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.NW == nil || body.SE == nil || body.At.IsZero() {
		writeError(w, http.StatusBadRequest, "northwest, southeast and at are required")
		return
	}
	assignments, err := s.Coord.Dispatch(r.Context(), models.Box{NW: *body.NW, SE: *body.SE}, body.At)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

type pickupBody struct {
	DriverID models.DriverID `json:"driver_id"`
	ClientID models.ClientID `json:"client_id"`
	At       time.Time       `json:"at"`
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	var body pickupBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.DriverID == "" || body.ClientID == "" || body.At.IsZero() {
		writeError(w, http.StatusBadRequest, "driver_id, client_id and at are required")
		return
	}
	ok, err := s.Coord.RecordPickup(r.Context(), body.DriverID, body.ClientID, body.At)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": ok})
}

func (s *Server) handleWasDispatched(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	driverID, clientID := q.Get("driver_id"), q.Get("client_id")
	before, err := time.Parse(time.RFC3339Nano, q.Get("before"))
	if driverID == "" || clientID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "driver_id, client_id and an RFC 3339 before are required")
		return
	}
	id, st, ok, err := s.Coord.LookupDispatch(r.Context(), models.DriverID(driverID), models.ClientID(clientID), before)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no dispatch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "status": st})
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	id := models.RequestID(mux.Vars(r)["request_id"])
	st, err := s.Coord.RequestStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "status": st})
}

type placeBody struct {
	Name     string        `json:"name"`
	Location *models.Point `json:"location"`
}

func (s *Server) handleRegisterPlace(w http.ResponseWriter, r *http.Request) {
	var body placeBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" || body.Location == nil {
		writeError(w, http.StatusBadRequest, "name and location are required")
		return
	}
	if err := s.Coord.Places().Register(r.Context(), body.Name, *body.Location); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Coord.Ready(r.Context()); err != nil {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS registers a driver session and holds it until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := models.DriverID(mux.Vars(r)["driver_id"])
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, geo.ErrUnknownPlace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
