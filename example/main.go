// Command example runs a small demo server: every open page holds a
// websocket that ticks once a second with the session ws id it belongs to,
// and the reset button closes every websocket of the session after the
// reset response has reached the browser.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Morditux/sessionws"
	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type config struct {
	Listen          string        `env:"LISTEN" envDefault:":8080"`
	LogLevel        slog.Level    `env:"LOG_LEVEL" envDefault:"INFO"`
	SQLitePath      string        `env:"SQLITE_PATH" envDefault:"sessions.db"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		abort("parse config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := sessionws.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		abort("create session store", err)
	}

	mgr := sessionws.NewManager(sessionws.Config{
		Store:      store,
		TTL:        24 * time.Hour,
		CookieName: "sessionws_demo",
	})
	defer mgr.Close()

	reg := sessionws.New(mgr, sessionws.WithLogger(logger))

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/ws", reg.Handler(nil, handleWebsocket(reg)))
	mux.HandleFunc("/reset", handleReset(reg, mgr))

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: reg.Middleware(mux),
	}
	reg.OnShutdown(srv)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		abort("run server", err)
	}
}

func abort(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
	os.Exit(1)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, page)
}

// handleWebsocket ticks once a second with the session ws id and the
// connection's age, until the connection is closed by either peer.
func handleWebsocket(reg *sessionws.Registry) sessionws.HandlerFunc {
	return func(r *http.Request, conn *websocket.Conn) error {
		id, err := reg.ID(r)
		if err != nil {
			return err
		}

		// Drain incoming frames so close frames from the peer are
		// processed; the writer below stops once reads fail.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		connectedAt := time.Now()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				msg := fmt.Sprintf("Websocket associated with session [%s] connected for %d",
					id, int(time.Since(connectedAt).Seconds()))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return nil
				}
			}
		}
	}
}

// handleReset schedules the close of all of this session's websockets for
// after the response has been delivered, then mints a fresh session ws id
// so reconnecting sockets land in a new group.
func handleReset(reg *sessionws.Registry, mgr *sessionws.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reg.ID(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := reg.ScheduleCloseAll(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := reg.NewID(r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		s, err := mgr.Session(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := mgr.Save(w, r, s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Reset called on session %s!", id)
	}
}

const page = `<html>
    <head>
        <script type="text/javascript">
        const host = window.location.host;

        function addLog(message) {
            const logs = document.getElementById('logs');
            const log = document.createElement('li');
            log.innerText = message;
            logs.appendChild(log);
        }

        function connect() {
            const socket = new WebSocket("ws://" + host + "/ws");
            socket.onmessage = function(event) {
                document.getElementById("message").innerText = event.data;
            };
            socket.onopen = function(event) { addLog('websocket opened'); }
            socket.onclose = function(event) {
                addLog('websocket closed');
                setTimeout(function() { connect(); }, 1000);
            }
        }
        connect();

        function resetSession() {
            fetch("http://" + host + "/reset", { credentials: "same-origin" })
                .then(function(response) {
                    return response.text().then(function(text) { addLog(text); });
                });
        }
        </script>
    </head>
    <body>
        <h2>sessionws demo</h2>
        <div id="message">Waiting on connection...</div>
        <button onclick="resetSession()">reset session</button>
        <ul id="logs">
        </ul>
    </body>
</html>
`
