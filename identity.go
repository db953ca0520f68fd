package sessionws

import (
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// IDFactory produces a new session ws id for a request. Implementations
// may block; the returned value must be comparable after a round-trip
// through the session store, so plain strings are the safe choice.
type IDFactory func(r *http.Request) (string, error)

// DefaultIDFactory returns a random 32-character hex token.
func DefaultIDFactory(*http.Request) (string, error) {
	u := uuid.New()
	return hex.EncodeToString(u[:]), nil
}

// ID returns the session ws id stored in the request's session, or the
// empty string when the session holds none.
func (reg *Registry) ID(r *http.Request) (string, error) {
	s, err := reg.sessions.Session(r)
	if err != nil {
		return "", err
	}
	v, ok := s.Get(reg.sessionKey)
	if !ok {
		return "", nil
	}
	id, _ := v.(string)
	return id, nil
}

// NewID generates a session ws id and sets it on the request's session,
// overwriting any prior value. The session is marked changed; persisting
// it is up to the middleware, the websocket binding, or the caller.
func (reg *Registry) NewID(r *http.Request) (string, error) {
	s, err := reg.sessions.Session(r)
	if err != nil {
		return "", err
	}
	id, err := reg.idFactory(r)
	if err != nil {
		return "", err
	}
	s.Set(reg.sessionKey, id)
	return id, nil
}

// EnsureID returns the session's current session ws id, minting one first
// if the session holds none. Calling EnsureID repeatedly within one
// request yields the same id; the factory runs at most once.
func (reg *Registry) EnsureID(r *http.Request) (string, error) {
	id, err := reg.ID(r)
	if err != nil || id != "" {
		return id, err
	}
	return reg.NewID(r)
}

// DeleteID removes the session ws id from the request's session. Removing
// an absent id is a no-op.
func (reg *Registry) DeleteID(r *http.Request) error {
	s, err := reg.sessions.Session(r)
	if err != nil {
		return err
	}
	s.Delete(reg.sessionKey)
	return nil
}

// Middleware attaches the request's session to its context, ensures the
// session holds a session ws id, and, when the id was newly minted,
// persists the session (setting its cookie) before the wrapped handler
// runs. Handlers that mutate the session afterwards save it themselves.
//
// Websocket upgrade requests are the exception: headers written here would
// be discarded when the connection is hijacked, so the session is left
// unsaved and Handler persists it onto the handshake response instead.
func (reg *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.sessions.Session(r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		r = reg.sessions.Attach(r, s)

		if _, err := reg.EnsureID(r); err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if s.Changed() && !websocket.IsWebSocketUpgrade(r) {
			if err := reg.sessions.Save(w, r, s); err != nil {
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
