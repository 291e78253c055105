package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

// Server exposes the focuser controller over HTTP: a JSON command API,
// a websocket status stream and a browser setup page.
type Server struct {
	ctrl   *focuser.Controller
	store  *Store
	tmpl   *template.Template
	logger log.FieldLogger

	hub           *statusHub
	watchInterval time.Duration
}

func NewServer(ctrl *focuser.Controller, store *Store, tmpl *template.Template, logger log.FieldLogger) *Server {
	return &Server{
		ctrl:   ctrl,
		store:  store,
		tmpl:   tmpl,
		logger: logger.WithField("component", "server"),

		hub:           newStatusHub(),
		watchInterval: time.Second,
	}
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.HandleFunc("GET /api/status", s.handleStatus)
	r.HandleFunc("PUT /api/initialize", s.handleInitialize)
	r.HandleFunc("PUT /api/shutdown", s.handleShutdown)
	r.HandleFunc("PUT /api/move", s.handleMove)
	r.HandleFunc("PUT /api/stop", s.handleStop)
	r.HandleFunc("GET /api/ws", s.handleStatusSocket)
	r.HandleFunc("/setup", s.handleSetup)

	return r
}

// callerHost extracts the host half of the request's remote address for
// the control list check.
func callerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.ctrl.ReportStatus())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, commandResult{s.ctrl.Initialize(callerHost(r))})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, commandResult{s.ctrl.Shutdown(callerHost(r))})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, commandResult{s.ctrl.Stop(callerHost(r))})
}

type moveRequest struct {
	Steps  int  `json:"steps"`
	Offset bool `json:"offset"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	handleResponse(w, commandResult{s.ctrl.SetFocus(callerHost(r), req.Steps, req.Offset)})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.store.GetControlConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.logger.Infof("Setting control config: %+v", cfg)
		if err := s.store.SetControlConfig(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg ControlConfig, success bool, err string) {
	data := struct {
		ControlConfig
		Hosts   string
		Success bool
		Error   string
	}{cfg, strings.Join(cfg.ControlHosts, " "), success, err}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (ControlConfig, error) {
	if err := r.ParseForm(); err != nil {
		return ControlConfig{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultControlConfig
	cfg.ControlHosts = strings.Fields(strings.ReplaceAll(r.FormValue("control-hosts"), ",", " "))

	cfg.MoveTimeoutSec, _ = strconv.Atoi(r.FormValue("move-timeout"))
	cfg.PollIntervalMS, _ = strconv.Atoi(r.FormValue("poll-interval"))
	cfg.SettleDelayMS, _ = strconv.Atoi(r.FormValue("settle-delay"))

	if cfg.MoveTimeoutSec <= 0 || cfg.PollIntervalMS <= 0 || cfg.SettleDelayMS <= 0 {
		return cfg, fmt.Errorf("timeouts must be positive")
	}

	return cfg, nil
}
