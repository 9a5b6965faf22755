// Package app exposes the sync supervisor and the vault scanner to the desktop UI over a
// loopback HTTP API.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/sidecar"
	"github.com/pwman/sidecar/vaults"
)

const DefaultListenAddr = "127.0.0.1:8765"

// Controller is the part of sidecar.Supervisor the API drives.
type Controller interface {
	Start(ctx context.Context, addr, baseDir string) error
	Stop() error
	Status() sidecar.Status
}

// VaultLister lists the vaults in the directory named by hint.
type VaultLister func(hint string) ([]vaults.Info, error)

// Server serves the control API.
type Server struct {
	log *zap.SugaredLogger

	controller     Controller
	hub            *events.Hub
	listVaults     VaultLister
	vaultDir       string
	defaultAddr    string
	defaultBaseDir string
	listenAddr     string

	httpServer *http.Server

	listenerMut sync.Mutex
	listener    net.Listener

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("api")
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithEvents enables the /events WebSocket stream backed by hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

func WithVaultLister(l VaultLister) Option {
	return func(s *Server) {
		s.listVaults = l
	}
}

// WithVaultDir sets the directory listed when a request names none.
func WithVaultDir(dir string) Option {
	return func(s *Server) {
		s.vaultDir = dir
	}
}

// WithSyncDefaults sets the address and base directory used by a start request that omits them.
func WithSyncDefaults(addr, baseDir string) Option {
	return func(s *Server) {
		s.defaultAddr = addr
		s.defaultBaseDir = baseDir
	}
}

func NewServer(controller Controller, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		controller: controller,
		listVaults: vaults.List,
		listenAddr: DefaultListenAddr,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.POST("/sync/start", s.startSync)
	router.POST("/sync/stop", s.stopSync)
	router.GET("/sync/status", s.syncStatus)
	router.GET("/vaults", s.vaults)
	router.GET("/events", s.events)
	return router
}

// Listen binds the listen address. Serve must follow.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.listenerMut.Lock()
	s.listener = l
	s.listenerMut.Unlock()
	s.log.Infow("control API listening", "addr", l.Addr().String())
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.listenerMut.Lock()
	defer s.listenerMut.Unlock()
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// Serve serves on the listener bound by Listen until Shutdown.
func (s *Server) Serve() error {
	s.listenerMut.Lock()
	l := s.listener
	s.listenerMut.Unlock()
	if l == nil {
		return errors.New("serve called before listen")
	}
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens and serves, returning once the server has stopped.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type HeartbeatResponse struct {
	LastHeartbeat string `json:"last_heartbeat"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.heartbeatMut.Lock()
	last := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	resp := HeartbeatResponse{}
	if !last.IsZero() {
		resp.LastHeartbeat = last.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type StartSyncRequest struct {
	Addr    string `json:"addr"`
	BaseDir string `json:"base_dir"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req StartSyncRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Addr == "" {
		req.Addr = s.defaultAddr
	}
	if req.BaseDir == "" {
		req.BaseDir = s.defaultBaseDir
	}
	if req.Addr == "" || req.BaseDir == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("addr and base_dir are required"))
		return
	}

	if err := s.controller.Start(r.Context(), req.Addr, req.BaseDir); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) stopSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.controller.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) vaults(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	hint := r.URL.Query().Get("dir")
	if hint == "" {
		hint = s.vaultDir
	}
	list, err := s.listVaults(hint)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []vaults.Info{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// events streams hub events to a WebSocket client until either side goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.hub == nil {
		http.Error(w, "event stream not enabled", http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("events WebSocket accept error: %s", err)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.Subscribe()
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.log.Debugf("writing event to WebSocket: %s", err)
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		s.log.Debugf("error writing response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.log.Debugw("request failed", "status", code, "error", err)
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
