package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sacexec/sace/service"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ServeWatch upgrades the request and sends svc's info now and after every
// state change, until the client goes away.
func (s *Server) ServeWatch(w http.ResponseWriter, r *http.Request, svc *service.Service) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	log := s.Log.With("Session", uuid.NewString(), "Service", svc.Name())
	log.Debug("accepted watch conn")

	// the client never sends anything, reading only notices it leaving
	ctx := wsConn.CloseRead(r.Context())
	for {
		info := svc.Info()
		if err := wsjson.Write(ctx, wsConn, info); err != nil {
			log.Debugf("error sending service info: %s", err)
			return
		}
		if _, err := svc.WaitChange(ctx, info.State); err != nil {
			log.Debugf("watch ended: %s", err)
			wsConn.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}

// Watch opens a watch session at url.
func (c *Client) Watch(ctx context.Context, url string) (*Watch, error) {
	c.Logger.Debugw("dialing WebSocket for watch", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to watch: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Watch{log: c.Logger.Named("watch"), conn: wsConn}, nil
}

// Watch is the client end of a watch session.
type Watch struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

// Next blocks until the service's next state change. The first call returns
// the state at the time the session was opened.
func (w *Watch) Next(ctx context.Context) (service.Info, error) {
	var info service.Info
	if err := wsjson.Read(ctx, w.conn, &info); err != nil {
		return service.Info{}, fmt.Errorf("reading service info: %w", err)
	}
	w.log.Debugw("service changed", "Service", info.Name, "State", info.StateName)
	return info, nil
}

func (w *Watch) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
