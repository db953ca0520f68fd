package sessionws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// DefaultSessionKey is the session field under which the session ws id is
// stored.
const DefaultSessionKey = "session_ws_id"

// Conn is one open bidirectional connection tracked by the Registry. The
// registry never owns the connection: Close only asks the peer to go away,
// the serving goroutine remains responsible for the connection's lifetime
// (and for unregistering it).
type Conn interface {
	Close() error
}

// Sessions is the narrow contract the Registry needs from the session
// layer: a per-request session instance, a way to pin that instance onto
// the request, and persistence. *Manager satisfies it.
type Sessions interface {
	Session(r *http.Request) (*Session, error)
	Attach(r *http.Request, s *Session) *http.Request
	Save(w http.ResponseWriter, r *http.Request, s *Session) error
}

// Registry maps session ws ids to the set of live websocket connections
// opened under that session. It is safe for concurrent use.
//
// Connections for one session start and finish independently of any
// bulk-close call, so every bulk operation works on a point-in-time
// snapshot: connections registered after the snapshot are unaffected, and
// closing a connection that is already gone is a no-op.
type Registry struct {
	sessions   Sessions
	idFactory  IDFactory
	sessionKey string
	logger     *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[Conn]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDFactory replaces the default session ws id factory. The factory
// may block (e.g. call out to a remote ID allocator).
func WithIDFactory(f IDFactory) Option {
	return func(reg *Registry) { reg.idFactory = f }
}

// WithSessionKey replaces the session field name under which the session
// ws id is stored.
func WithSessionKey(key string) Option {
	return func(reg *Registry) { reg.sessionKey = key }
}

// WithLogger replaces the registry's logger (defaults to slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(reg *Registry) { reg.logger = l }
}

// New creates a Registry bound to the given session layer. Misconfiguration
// is fatal: New panics on a nil Sessions, a nil factory or an empty session
// key supplied through options.
func New(sessions Sessions, opts ...Option) *Registry {
	if sessions == nil {
		panic("sessionws: nil Sessions")
	}
	reg := &Registry{
		sessions:   sessions,
		idFactory:  DefaultIDFactory,
		sessionKey: DefaultSessionKey,
		logger:     slog.Default(),
		conns:      make(map[string]map[Conn]struct{}),
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.idFactory == nil {
		panic("sessionws: nil IDFactory")
	}
	if reg.sessionKey == "" {
		panic("sessionws: empty session key")
	}
	if reg.logger == nil {
		panic("sessionws: nil logger")
	}
	return reg
}

// Register adds conn to the set of connections for id, creating the set if
// absent. Registering the same (id, conn) pair twice is a no-op.
func (reg *Registry) Register(id string, conn Conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	set, ok := reg.conns[id]
	if !ok {
		set = make(map[Conn]struct{})
		reg.conns[id] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes conn from id's set. Unknown ids and unknown
// connections are silent no-ops: a connection may already have been cleaned
// up by a concurrent bulk-close. When the last connection for an id is
// removed, the id itself is removed from the registry.
func (reg *Registry) Unregister(id string, conn Conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	set, ok := reg.conns[id]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(reg.conns, id)
	}
}

// Len returns the number of session ws ids with at least one live
// connection.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.conns)
}

// IDs returns a snapshot of the session ws ids currently holding
// connections, for diagnostics. The slice is a copy and does not track
// later mutations.
func (reg *Registry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ids := make([]string, 0, len(reg.conns))
	for id := range reg.conns {
		ids = append(ids, id)
	}
	return ids
}

// Conns returns a snapshot of the connections registered under id.
func (reg *Registry) Conns(id string) []Conn {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	set := reg.conns[id]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// CloseAll closes every registered connection and waits until every close
// has finished (or ctx expires). Used once, at process shutdown.
//
// Connection handles are disjoint across ids (a connection is registered
// under exactly one id); the union below is defensive rather than
// load-bearing.
func (reg *Registry) CloseAll(ctx context.Context) error {
	reg.mu.RLock()
	union := make(map[Conn]struct{})
	for _, set := range reg.conns {
		for c := range set {
			union[c] = struct{}{}
		}
	}
	reg.mu.RUnlock()

	return reg.closeConns(ctx, union)
}

// CloseAllForID closes every connection registered under id at the moment
// of the call and waits for the closes to finish. Connections registered
// after the snapshot was taken are unaffected; an unknown id is a no-op.
//
// CloseAllForID does not unregister anything: each connection's serving
// goroutine observes the close and unregisters itself.
func (reg *Registry) CloseAllForID(ctx context.Context, id string) error {
	reg.mu.RLock()
	snapshot := make(map[Conn]struct{}, len(reg.conns[id]))
	for c := range reg.conns[id] {
		snapshot[c] = struct{}{}
	}
	reg.mu.RUnlock()

	return reg.closeConns(ctx, snapshot)
}

// closeConns issues Close on every connection concurrently and waits for
// all of them. A failed close never prevents the sibling closes from being
// attempted; the individual errors are aggregated for the caller.
//
// The snapshot is closed outside the registry lock: a connection's close
// path re-enters the registry to unregister itself, and a slow peer must
// not serialize the rest of the batch.
func (reg *Registry) closeConns(ctx context.Context, conns map[Conn]struct{}) error {
	if len(conns) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return errs.ErrorOrNil()
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to close: %w", ctx.Err())
	}
}

// ScheduleCloseAllForID arranges for CloseAllForID(id) to run exactly once,
// asynchronously, after done fires. The caller is not blocked and the
// scheduled close is not awaited; its failure is logged rather than
// silently dropped.
func (reg *Registry) ScheduleCloseAllForID(id string, done <-chan struct{}) {
	go func() {
		<-done
		if err := reg.CloseAllForID(context.Background(), id); err != nil {
			reg.logger.Error("closing session websockets",
				slog.String("session_ws_id", id),
				slog.Any("error", err))
		}
	}()
}

// ScheduleCloseAll reads the request's current session ws id, disables
// keep-alive on the outgoing response so the client observes its completion
// promptly, and schedules a bulk-close of the id's connections to run once
// the response has been fully transmitted. It returns immediately; the
// deferred close executes on its own goroutine.
//
// The session ws id is read before any mutation the handler may perform
// afterwards (e.g. minting a fresh id for the same session); removing the
// id from the session remains the caller's choice.
func (reg *Registry) ScheduleCloseAll(w http.ResponseWriter, r *http.Request) error {
	id, err := reg.ID(r)
	if err != nil {
		return err
	}

	// The request context is done once the response has been written and
	// the handler chain has returned; with keep-alive disabled the server
	// then tears down the transport, so the client sees the full response
	// before its websockets are closed.
	w.Header().Set("Connection", "close")
	reg.ScheduleCloseAllForID(id, r.Context().Done())
	return nil
}
