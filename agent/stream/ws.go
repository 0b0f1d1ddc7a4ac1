package stream

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with a chunk of the bytes passed to Write, and the return value is sent as one JSON message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is sent as one JSON message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// base64 in JSON inflates the payload, keep each frame under the peer's read limit
	writeLimit := readLimit / 3
	written := 0
	for written < len(b) {
		end := written + writeLimit
		if end > len(b) {
			end = len(b)
		}
		msg := w.writeMsg(b[written:end])
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return written, err
		}
		written = end
	}
	w.log.Debugf("wrote %d bytes", written)
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil {
		return nil
	}
	msg := w.closeMsg()
	err := wsjson.Write(w.ctx, w.conn, &msg)
	w.log.Debugw("closed writer", "Error", err)
	return err
}
