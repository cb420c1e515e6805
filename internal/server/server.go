// Package server exposes the controller over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"anroll-controller/internal/backend"
	"anroll-controller/internal/core"
	"anroll-controller/internal/frames"
	"anroll-controller/internal/logger"
	"anroll-controller/internal/project"
	"anroll-controller/internal/recorder"
	"anroll-controller/internal/scheduler"
)

// Controller is the set of operations the HTTP API drives.
type Controller interface {
	Snapshot() core.Snapshot
	SetParams(values map[string]interface{}) error
	Skip() int
	SetCapacity(n int) int
	ClearQueue()
	FramePNG(target string) ([]byte, error)
	Export(prefix string) ([]string, error)
	SaveProject(path string) error
	LoadProject(path string) error
	RecordVideo(transitions []recorder.Transition) (string, error)
	Scripts() ([]string, error)
	Schedules() []scheduler.Schedule
}

// Options configures a Server.
type Options struct {
	Port           string
	StaticFilesDir string
	AllowedOrigins []string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	controller Controller
	commands   core.CommandChannel
	httpServer *http.Server
	router     *mux.Router
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	allowedOrigins []string
}

// NewServer creates a new server instance. WebSocket commands are forwarded
// to commands.
func NewServer(controller Controller, commands core.CommandChannel, opts Options) *Server {
	s := &Server{
		Hub:            NewHub(),
		controller:     controller,
		commands:       commands,
		allowedOrigins: opts.AllowedOrigins,
		log:            logger.Component("server"),
	}

	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSettings).Methods(http.MethodPatch)
	api.HandleFunc("/queue", s.handleClearQueue).Methods(http.MethodDelete)
	api.HandleFunc("/queue/skip", s.handleSkip).Methods(http.MethodPost)
	api.HandleFunc("/queue/capacity", s.handleCapacity).Methods(http.MethodPut)
	api.HandleFunc("/frames/{target:[a-z]+}.png", s.handleFrame).Methods(http.MethodGet)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodPost)
	api.HandleFunc("/project/save", s.handleProjectSave).Methods(http.MethodPost)
	api.HandleFunc("/project/load", s.handleProjectLoad).Methods(http.MethodPost)
	api.HandleFunc("/video", s.handleVideo).Methods(http.MethodPost)
	api.HandleFunc("/scripts", s.handleScripts).Methods(http.MethodGet)
	api.HandleFunc("/schedules", s.handleSchedules).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", s.handleWebSocket)
	if opts.StaticFilesDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticFilesDir)))
	}

	s.router = r
	s.httpServer = &http.Server{Addr: ":" + opts.Port, Handler: r}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		s.log.Warn().Msg("WebSocket CheckOrigin is disabled")
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("WebSocket connection blocked: origin not in allowed list")
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(NewMessage(MsgSnapshot, s.controller.Snapshot()))
	if scripts, err := s.controller.Scripts(); err == nil {
		_ = conn.WriteJSON(NewMessage(MsgScriptList, scripts))
	}
	_ = conn.WriteJSON(NewMessage(MsgScheduleList, s.controller.Schedules()))

	if !s.Hub.Register(conn) {
		return
	}
	defer s.Hub.Unregister(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd core.Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			s.log.Warn().Err(err).Msg("Ignoring malformed WebSocket command")
			continue
		}
		if !s.commands.Dispatch(cmd) {
			s.log.Warn().Str("type", string(cmd.Type)).Msg("Command channel full, WebSocket command dropped")
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]interface{}
	if !decodeBody(w, r, &values) {
		return
	}
	if err := s.controller.SetParams(values); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot().Settings)
}

func (s *Server) handleSkip(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"discarded": s.controller.Skip()})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Capacity int `json:"capacity"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Capacity < 1 {
		writeError(w, http.StatusBadRequest, errors.New("capacity must be at least 1"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"capacity": s.controller.SetCapacity(body.Capacity)})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, _ *http.Request) {
	s.controller.ClearQueue()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.controller.FramePNG(mux.Vars(r)["target"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prefix string `json:"prefix"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	files, err := s.controller.Export(body.Prefix)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

type pathBody struct {
	Path string `json:"path"`
}

func (s *Server) handleProjectSave(w http.ResponseWriter, r *http.Request) {
	var body pathBody
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	if err := s.controller.SaveProject(body.Path); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectLoad(w http.ResponseWriter, r *http.Request) {
	var body pathBody
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	if err := s.controller.LoadProject(body.Path); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot().Settings)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transitions []recorder.TransitionSpec `json:"transitions"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	transitions, err := recorder.ResolveAll(s.controller.Snapshot().Settings, body.Transitions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.controller.RecordVideo(transitions)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleScripts(w http.ResponseWriter, _ *http.Request) {
	scripts, err := s.controller.Scripts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Schedules())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, frames.ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, recorder.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrNoTransitions), errors.Is(err, project.ErrInvalidProject):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
