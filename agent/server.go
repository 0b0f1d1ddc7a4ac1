// Package agent serves an Executor's handle API over HTTP on a unix socket,
// and provides the client for it.
//
// Access control is the socket's file mode: anyone who can connect is trusted
// to request any credential the daemon is able to grant.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sacexec/sace/agent/stream"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/executor"
	"github.com/sacexec/sace/service"
	"go.uber.org/zap"
)

const (
	DefaultSocketMode = 0o660
	// DefaultReadLen is the read size used when a read request names none.
	DefaultReadLen = 32 * 1024
	maxReadLen     = 1 << 20
)

// Server exposes a handle table over HTTP.
type Server struct {
	logger *zap.SugaredLogger

	table      *executor.Table
	instanceID string
	started    time.Time

	socketPath string
	socketMode os.FileMode

	listener     net.Listener
	httpServer   *http.Server
	streamServer *stream.Server
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithSocket(path string) Option {
	return func(s *Server) {
		s.socketPath = path
	}
}

func WithSocketMode(mode os.FileMode) Option {
	return func(s *Server) {
		s.socketMode = mode
	}
}

func NewServer(table *executor.Table, opts ...Option) *Server {
	s := &Server{
		logger:     zap.NewNop().Sugar(),
		table:      table,
		instanceID: uuid.NewString(),
		started:    time.Now(),
		socketMode: DefaultSocketMode,
	}
	for _, o := range opts {
		o(s)
	}
	s.streamServer = &stream.Server{Log: s.logger.Named("stream_server")}
	s.logger = s.logger.Named("saced")
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

func (s *Server) InstanceID() string { return s.instanceID }

// Handler returns the router serving the handle API.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.POST("/run", s.run)

	router.POST("/command", s.openCommand)
	router.POST("/command/:handle/read", s.readCommand)
	router.POST("/command/:handle/write", s.writeCommand)
	router.POST("/command/:handle/close", s.closeCommand)
	router.POST("/command/:handle/flush", s.flushCommand)
	router.GET("/command/:handle/wait", s.waitCommand)
	router.GET("/command/:handle/stream", s.streamCommand)
	router.DELETE("/command/:handle", s.destroyCommand)

	router.GET("/services", s.listServices)
	router.GET("/services/:name", s.lookupService)
	router.POST("/service", s.checkService)
	router.GET("/service/:handle", s.serviceInfo)
	router.GET("/service/:handle/watch", s.watchService)
	router.POST("/service/:handle/:op", s.controlService)
	router.DELETE("/service/:handle", s.destroyService)
	return router
}

// Listen binds the unix socket, replacing a stale one, and applies the socket mode.
func (s *Server) Listen() error {
	if s.socketPath == "" {
		return errdefs.InvalidArgument("listen", "", "socket path is required")
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on unix socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		l.Close()
		return fmt.Errorf("setting socket mode: %w", err)
	}
	s.listener = l
	s.logger.Infow("listening", "Socket", s.socketPath, "Mode", fmt.Sprintf("%#o", s.socketMode), "InstanceID", s.instanceID)
	return nil
}

// Serve serves requests until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	err := s.httpServer.Serve(s.listener)
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

// Stop closes the listener and waits for in-flight requests until ctx is done.
// Streaming and blocking requests are cut off when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = s.httpServer.Close()
	}
	if s.socketPath != "" {
		if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Debugf("error removing socket: %s", rmErr)
		}
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errdefs.InvalidArgument("decode", r.URL.Path, "decoding request: %s", err)
	}
	return nil
}

func handleParam(params httprouter.Params) (executor.Handle, error) {
	raw := params.ByName("handle")
	h, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errdefs.InvalidArgument("handle", raw, "not a handle: %s", err)
	}
	return executor.Handle(h), nil
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, http.StatusOK, HeartbeatResponse{InstanceID: s.instanceID, Started: s.started})
}

// run is the fire-and-forget runner: it blocks until the command exits.
// If the request is aborted, the command is killed.
func (s *Server) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req RunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.table.Executor().Run(r.Context(), req.Command, req.Param)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OKResponse{OK: ok})
}

func (s *Server) openCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req OpenCommandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.table.OpenCommand(req.Command, req.Bidirectional, req.Param)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.table.Command(h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OpenCommandResponse{Handle: h, Pid: c.Pid(), Direction: c.Direction().String()})
}

func (s *Server) readCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	n := DefaultReadLen
	if raw := r.URL.Query().Get("len"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errdefs.InvalidArgument("read", raw, "bad length"))
			return
		}
		if n > maxReadLen {
			n = maxReadLen
		}
	}
	buf := make([]byte, n)
	read, err := s.table.Read(h, buf, 0, n)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if read < 0 {
		w.Header().Set(headerEOF, "1")
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf[:read])
}

func (s *Server) writeCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errdefs.InvalidArgument("write", h.String(), "reading body: %s", err))
		return
	}
	if err := s.table.Write(h, b, 0, len(b)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err == nil {
		err = s.table.Close(h)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flushCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err == nil {
		err = s.table.Flush(h)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) waitCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	exit, err := s.table.Wait(r.Context(), h)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := WaitResponse{ExitCode: exit.Code, Signaled: exit.Signaled()}
	if exit.Signaled() {
		resp.Signal = exit.Signal.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.table.Command(h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamServer.Serve(w, r, c)
}

func (s *Server) destroyCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err == nil {
		err = s.table.Destroy(h)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req CheckServiceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	policy, err := service.ParseRestartPolicy(req.Restart)
	if err != nil {
		writeError(w, err)
		return
	}
	h, err := s.table.CheckService(req.Name, req.Command, req.Param, executor.WithRestart(policy))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CheckServiceResponse{Handle: h, Name: req.Name, Command: req.Command})
}

func (s *Server) lookupService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := s.table.LookupService(params.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	svc, err := s.table.Service(h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CheckServiceResponse{Handle: h, Name: svc.Name(), Command: svc.Command()})
}

func (s *Server) serviceInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.table.Info(h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) watchService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	svc, err := s.table.Service(h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamServer.ServeWatch(w, r, svc)
}

func (s *Server) controlService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var control func(executor.Handle) (bool, error)
	switch op := params.ByName("op"); op {
	case "stop":
		control = s.table.Stop
	case "pause":
		control = s.table.Pause
	case "resume":
		control = s.table.Resume
	case "restart":
		control = s.table.Restart
	default:
		writeError(w, errdefs.NotFound("service-op", op))
		return
	}
	ok, err := control(h)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OKResponse{OK: ok})
}

func (s *Server) destroyService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, err := handleParam(params)
	if err == nil {
		err = s.table.DestroyService(h)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	svcs := s.table.Executor().Services()
	infos := make([]service.Info, 0, len(svcs))
	for _, svc := range svcs {
		infos = append(infos, svc.Info())
	}
	s.writeJSON(w, http.StatusOK, infos)
}
