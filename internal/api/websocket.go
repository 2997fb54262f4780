package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"tradesim/internal/live"
)

const (
	wsBufferSize   = 256
	wsWriteTimeout = 5 * time.Second
)

// handleEvents upgrades to a WebSocket and streams hub events as JSON text
// messages. Repeated "type" query parameters filter by event type or key.
// A client that falls behind is evicted by the hub and disconnected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream not available for "+s.broker.Name())
		return
	}
	filter := r.URL.Query()["type"]

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	// Nothing is read from clients; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := c.CloseRead(r.Context())

	subID, ch := s.hub.Subscribe(wsBufferSize)
	defer s.hub.Unsubscribe(subID)
	s.log.Info("websocket client subscribed", "subID", subID, "remote", r.RemoteAddr, "types", filter)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("websocket client disconnected", "subID", subID)
			return
		case evt, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if !live.Matches(filter, evt) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, c, evt)
			cancel()
			if err != nil {
				s.log.Info("websocket write failed", "subID", subID, "error", err)
				return
			}
		}
	}
}
