package connection

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/codewiresh/procmux/internal/protocol"
)

// WSTransport carries the frame stream inside binary WebSocket messages.
// Frame boundaries are independent of message boundaries: the codec sees the
// concatenated byte stream, exactly as over a pipe.
type WSTransport struct {
	*SocketTransport
	ws *websocket.Conn
}

// DialWebSocket connects to a procmux WebSocket endpoint. A non-empty token
// is sent as a bearer Authorization header.
func DialWebSocket(ctx context.Context, rawURL, token string) (*WSTransport, error) {
	wsURL := normalizeWSURL(rawURL)

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = make(http.Header)
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	// Frames are bounded by the codec, not by message size.
	conn.SetReadLimit(-1)
	return newWSTransport(conn), nil
}

// AcceptWebSocket upgrades an HTTP request to a WebSocket transport.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WSTransport, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	conn.SetReadLimit(-1)
	return newWSTransport(conn), nil
}

func newWSTransport(conn *websocket.Conn) *WSTransport {
	// The NetConn context outlives the dial context; Close tears it down.
	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	return &WSTransport{SocketTransport: FromConn(nc), ws: conn}
}

// CloseWrite sends a normal closure. WebSocket has no half-close, so the
// read side ends as well once the peer acknowledges. A second call fails
// with protocol.ErrBrokenPipe.
func (t *WSTransport) CloseWrite() error {
	if t.halfClosed.Swap(true) {
		return fmt.Errorf("shutdown: websocket is closed: %w", protocol.ErrBrokenPipe)
	}
	return t.ws.Close(websocket.StatusNormalClosure, "")
}

// normalizeWSURL maps http(s) URLs onto ws(s) and appends the /ws path.
func normalizeWSURL(raw string) string {
	u := raw
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/ws") {
		u = strings.TrimSuffix(u, "/") + "/ws"
	}
	return u
}
