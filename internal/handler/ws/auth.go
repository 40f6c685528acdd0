package ws

import (
	"errors"
	"net/http"
	"strings"
)

// Interface guard
var _ Authenticator = (*HeaderAuthenticator)(nil)

// HeaderAuthenticator trusts the identity header injected by the gateway
// in front of this service. Stand-in for the platform auth collaborator.
type HeaderAuthenticator struct {
	Header string
}

func NewHeaderAuthenticator() *HeaderAuthenticator {
	return &HeaderAuthenticator{Header: "X-User-ID"}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(a.Header))
	if userID == "" {
		// Fallback for browser clients that cannot set headers on the
		// websocket handshake.
		userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if userID == "" {
		return "", errors.New("missing user identity")
	}
	return userID, nil
}
