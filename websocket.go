package sessionws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// closeWriteWait bounds how long a bulk-close waits for the close frame to
// reach a slow peer before dropping the transport.
const closeWriteWait = 5 * time.Second

// HandlerFunc is the application side of a websocket connection. It runs
// after the handshake with the connection already registered under the
// request's session ws id, and should return when the connection is closed
// by either peer (a read on a closed connection returns an error).
type HandlerFunc func(r *http.Request, conn *websocket.Conn) error

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn adapts *websocket.Conn to the registry's Conn contract with a
// graceful close: a close frame first, then the transport. WriteControl and
// Close are the gorilla methods that are safe to call concurrently with
// the serving goroutine's reads and writes.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		// The peer may already be gone; still release the transport.
		c.Conn.Close()
		return err
	}
	return c.Conn.Close()
}

// Handler wraps fn into an http.Handler that upgrades the request to a
// websocket bound to the request's session:
//
//  1. the session ws id is ensured (minted if the session holds none),
//  2. a changed session is persisted with its cookie attached to the
//     handshake response — after the upgrade no further headers can be
//     sent,
//  3. the connection is registered under the id,
//  4. fn runs, and the connection is unregistered on every exit path.
//
// A nil upgrader uses a default with 1KB buffers and the standard origin
// check.
func (reg *Registry) Handler(upgrader *websocket.Upgrader, fn HandlerFunc) http.Handler {
	if upgrader == nil {
		upgrader = &defaultUpgrader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.sessions.Session(r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		r = reg.sessions.Attach(r, s)

		id, err := reg.EnsureID(r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		// When this request minted the id (or otherwise touched the
		// session), the cookie has to ride on the 101 response itself.
		header := http.Header{}
		if s.Changed() {
			if err := reg.sessions.Save(&headerWriter{header: header}, r, s); err != nil {
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
		}

		ws, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			// Upgrade already replied with an HTTP error. Nothing was
			// registered, so there is nothing to clean up.
			return
		}

		conn := wsConn{ws}
		reg.Register(id, conn)
		defer reg.Unregister(id, conn)
		defer ws.Close()

		if err := fn(r, ws); err != nil {
			reg.logger.Debug("websocket handler finished",
				slog.String("session_ws_id", id),
				slog.Any("error", err))
		}
	})
}

// headerWriter lets the session layer's Save set its cookie on a bare
// header set, for responses (like a websocket handshake) whose status and
// body are written elsewhere.
type headerWriter struct {
	header http.Header
}

func (hw *headerWriter) Header() http.Header         { return hw.header }
func (hw *headerWriter) Write(p []byte) (int, error) { return len(p), nil }
func (hw *headerWriter) WriteHeader(int)             {}

// OnShutdown registers a shutdown hook on srv that closes every registered
// connection. http.Server.Shutdown does not wait for hijacked connections
// such as websockets; closing them here lets Shutdown drain.
func (reg *Registry) OnShutdown(srv *http.Server) {
	srv.RegisterOnShutdown(func() {
		if err := reg.CloseAll(context.Background()); err != nil {
			reg.logger.Error("closing websockets on shutdown", slog.Any("error", err))
		}
	})
}
