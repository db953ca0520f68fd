/*
Package sessionws associates long-lived websocket connections with the
cookie-correlated session of the HTTP requests that opened them, so that
all connections belonging to one session can be enumerated, bulk-closed,
or torn down when the session itself is invalidated.

The package has two halves. The session half is a cookie-based session
manager with pluggable persistence backends (SQLite, PostgreSQL,
Memcached). The websocket half is a Registry: a concurrency-safe mapping
from a per-session "session ws id" to the set of live websocket
connections opened under it, with snapshot-based bulk-close operations
and a decorator that ties a connection's registration to its request's
session.

Key Features:

  - Session-scoped websocket registry: Register/Unregister, CloseAll,
    CloseAllForID, and deferred session-wide close that runs only after
    the triggering HTTP response has been fully transmitted.
  - Guaranteed cleanup: the websocket binding unregisters a connection on
    every exit path of its handler.
  - Graceful shutdown: an http.Server shutdown hook closes every
    registered connection so Server.Shutdown can drain hijacked
    websocket connections.
  - Pluggable identity: the session ws id factory and session field name
    are configurable per deployment.
  - Modular storage: SQLite (CGO-free), PostgreSQL, and Memcached session
    backends, with gob serialization, pooled (and wiped) buffers, strict
    session ID validation, and secure cookie defaults.

Usage:

	store, err := sessionws.NewSQLiteStore("sessions.db")
	if err != nil {
		log.Fatal(err)
	}
	mgr := sessionws.NewManager(sessionws.Config{Store: store})
	defer mgr.Close()

	reg := sessionws.New(mgr)

	mux := http.NewServeMux()
	mux.Handle("/ws", reg.Handler(nil, func(r *http.Request, conn *websocket.Conn) error {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return nil
			}
		}
	}))
	mux.HandleFunc("/reset", func(w http.ResponseWriter, r *http.Request) {
		// Close this session's websockets once the response is sent.
		_ = reg.ScheduleCloseAll(w, r)
		_, _ = reg.NewID(r)
		if s, err := mgr.Session(r); err == nil {
			_ = mgr.Save(w, r, s)
		}
		fmt.Fprintln(w, "session reset")
	})

	srv := &http.Server{Addr: ":8080", Handler: reg.Middleware(mux)}
	reg.OnShutdown(srv)

Thread Safety:

The Registry, Manager and Store implementations are safe for concurrent
use by multiple goroutines. A Session guards its values with its own
mutex but is meant to be handled within the scope of a single request.
*/
package sessionws
