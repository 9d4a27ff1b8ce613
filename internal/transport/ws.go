// Package transport moves opaque sync payloads between terminals over
// websockets. It neither inspects nor interprets the bytes: framing and
// delivery only. Works identically against a LAN peer or a relay server.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// WSTransport implements syncer.Transport with short-lived websocket dials,
// one frame per send. Binary frames are length-delimited by the websocket
// protocol itself, so a partial stream can never surface as a message.
type WSTransport struct {
	dialer *websocket.Dialer
}

func NewWSTransport() *WSTransport {
	return &WSTransport{
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// Send dials the peer's websocket endpoint and writes one binary frame.
func (t *WSTransport) Send(ctx context.Context, peer model.PeerInfo, payload []byte) error {
	if peer.Address == "" {
		return fmt.Errorf("peer %s has no known address", peer.TerminalID)
	}
	u := url.URL{Scheme: "ws", Host: peer.Address, Path: "/ws"}
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("write to %s: %w", peer.TerminalID, err)
	}
	// Polite close so the server flushes before we hang up.
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are identified by message envelope + signature, not origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS accepts inbound frames and hands each complete one to the engine.
func serveWS(handler func(payload []byte, addr string)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return // normal close or peer went away mid-transfer
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			handler(payload, r.RemoteAddr)
		}
	}
}
