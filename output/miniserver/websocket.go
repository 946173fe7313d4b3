package miniserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c360/topicrelay/errors"
)

// wsConn is a lazily-dialed persistent websocket to the miniserver command
// endpoint. Commands are serialized; the miniserver processes them in order.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// sendWebsocket delivers one command over the shared websocket, dialing on
// first use or after a connection loss. A failed write tears the connection
// down so the next command redials.
func (f *Forwarder) sendWebsocket(ctx context.Context, normalized, value string) (int, error) {
	f.ws.mu.Lock()
	defer f.ws.mu.Unlock()

	if f.ws.conn == nil {
		if err := f.dialLocked(ctx); err != nil {
			return 0, err
		}
	}

	command := fmt.Sprintf("dev/sps/io/%s/%s", normalized, value)
	if err := f.ws.conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		f.ws.conn.Close()
		f.ws.conn = nil
		return 0, errors.WrapTransient(err, "Forwarder", "sendWebsocket",
			fmt.Sprintf("deliver %s", normalized))
	}

	return http.StatusOK, nil
}

// dialLocked establishes the websocket connection. Caller holds ws.mu.
func (f *Forwarder) dialLocked(ctx context.Context) error {
	ms := f.cfg.Miniserver()

	scheme := "ws"
	if ms.Port == 443 {
		scheme = "wss"
	}
	target := fmt.Sprintf("%s://%s/ws/rfc6455", scheme, f.targetHost())

	header := http.Header{}
	if ms.User != "" && ms.Pass != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(ms.User + ":" + ms.Pass))
		header.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.WrapTransient(err, "Forwarder", "dialLocked",
			fmt.Sprintf("dial %s", target))
	}

	f.ws.conn = conn
	f.logger.Info("Miniserver websocket connected", "url", target)
	return nil
}

// close shuts the websocket down.
func (w *wsConn) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
