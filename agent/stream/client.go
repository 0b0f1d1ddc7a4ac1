package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Client struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Attach opens a stream session at url.
func (c *Client) Attach(ctx context.Context, url string) (*Stream, error) {
	c.Logger.Debugw("dialing WebSocket for stream", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to stream: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Stream{
		log:  c.Logger.Named("stream"),
		conn: wsConn,
	}, nil
}

// Stream is the client end of a stream session.
// Reads and Wait must not be called concurrently with each other.
type Stream struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	buf    []byte
	done   bool
	err    error
	result *Result
}

func (s *Stream) next(ctx context.Context) error {
	var msg responseMessage
	if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
		return err
	}
	if len(msg.Data) > 0 {
		s.buf = append(s.buf, msg.Data...)
	}
	if msg.Err != "" {
		s.err = errors.New(msg.Err)
	}
	if msg.Done {
		s.done = true
	}
	if msg.Result != nil {
		s.result = msg.Result
		s.done = true
	}
	return nil
}

// ReadContext reads the child's output. It returns io.EOF once the output has ended.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.done {
			return 0, io.EOF
		}
		if err := s.next(ctx); err != nil {
			return 0, fmt.Errorf("reading stream: %w", err)
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// WriteContext sends p to the child's stdin.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	w := &wsJSONWriter{
		log:  s.log.Named("input_writer"),
		ctx:  ctx,
		conn: s.conn,
		writeMsg: func(b []byte) any {
			return requestMessage{Data: b}
		},
	}
	return w.Write(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// CloseWrite tells the server the input is complete, closing the child's stdin.
func (s *Stream) CloseWrite(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, requestMessage{Done: true})
}

// Wait discards any unread output and blocks until the child exits.
func (s *Stream) Wait(ctx context.Context) (*Result, error) {
	for s.result == nil {
		s.buf = nil
		if err := s.next(ctx); err != nil {
			return nil, fmt.Errorf("waiting for result: %w", err)
		}
	}
	return s.result, nil
}

// Close ends the session. The child keeps running.
func (s *Stream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if s.result != nil {
		// the server closes the connection after the result
		return nil
	}
	return err
}
