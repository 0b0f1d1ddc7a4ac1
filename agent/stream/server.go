package stream

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sacexec/sace/command"
	"github.com/sacexec/sace/launcher"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Server struct {
	Log *zap.SugaredLogger
}

// Serve upgrades the request and pumps h's stream over the connection until
// the child exits or the client goes away. h's stream is closed on return.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, h *command.Handle) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &session{
		log:    s.Log.With("Session", uuid.NewString(), "Pid", h.Pid(), "Direction", h.Direction().String()),
		conn:   wsConn,
		handle: h,
	}
	sess.log.Debug("accepted WebSocket conn")
	sess.run(ctx)
}

type session struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	handle *command.Handle
}

func (s *session) run(ctx context.Context) {
	defer func() {
		if err := s.handle.Close(); err != nil {
			s.log.Debugf("error closing handle stream: %s", err)
		}
	}()

	var err error
	switch s.handle.Direction() {
	case launcher.DirectionOutput:
		// the client never sends anything on an output session
		ctx = s.conn.CloseRead(ctx)
		err = s.pumpOutput(ctx)
	case launcher.DirectionInput:
		err = s.pumpInput(ctx)
	}
	if err != nil {
		s.log.Debugf("stream ended early: %s", err)
		if ctx.Err() != nil {
			return
		}
		_ = wsjson.Write(ctx, s.conn, responseMessage{Done: true, Err: err.Error()})
	}

	// the stream is finished, release it so the child can run to completion
	if err := s.handle.Close(); err != nil {
		s.log.Debugf("error closing handle stream: %s", err)
	}
	exit, err := s.handle.Wait(ctx)
	if err != nil {
		s.log.Debugf("client went away before exit: %s", err)
		s.conn.Close(websocket.StatusGoingAway, "")
		return
	}
	res := &Result{ExitCode: exit.Code, Signaled: exit.Signaled()}
	if exit.Signaled() {
		res.Signal = exit.Signal.String()
	}
	s.log.Debugw("child exited, sending result", "Exit", exit.String())
	if err := wsjson.Write(ctx, s.conn, responseMessage{Result: res}); err != nil {
		s.log.Debugf("error sending result: %s", err)
		return
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		s.log.Debugf("error closing conn: %s", err)
	}
}

func (s *session) pumpOutput(ctx context.Context) error {
	writer := &wsJSONWriter{
		log:  s.log.Named("output_writer"),
		ctx:  ctx,
		conn: s.conn,
		writeMsg: func(b []byte) any {
			return responseMessage{Data: b}
		},
		closeMsg: func() any {
			return responseMessage{Done: true}
		},
	}
	if _, err := io.Copy(writer, s.handle); err != nil {
		return err
	}
	return writer.Close()
}

func (s *session) pumpInput(ctx context.Context) error {
	for {
		var msg requestMessage
		err := wsjson.Read(ctx, s.conn, &msg)
		if err != nil {
			return err
		}
		if len(msg.Data) > 0 {
			if _, err := s.handle.Write(msg.Data); err != nil {
				return err
			}
		}
		if msg.Done {
			s.log.Debug("client finished input")
			return nil
		}
	}
}
