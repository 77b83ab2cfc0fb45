// Package tlsauth performs the post-handshake admission check: extract
// the peer certificate's Common Name and match it against an allow-list.
package tlsauth

import (
	"context"
	"crypto/tls"
	"fmt"
)

// AllowList is an immutable set of CNs authorised to transact. It is
// loaded once at startup and consulted read-only for the lifetime of
// the secure listener.
type AllowList map[string]struct{}

// NewAllowList builds an AllowList from a slice of CNs.
func NewAllowList(cns []string) AllowList {
	al := make(AllowList, len(cns))
	for _, cn := range cns {
		al[cn] = struct{}{}
	}
	return al
}

// Allowed reports whether cn is present via exact string match. An empty
// allow-list allows nothing.
func (al AllowList) Allowed(cn string) bool {
	_, ok := al[cn]
	return ok
}

// Admit performs the TLS handshake (with its own short deadline via ctx)
// and checks the peer certificate's CN against allowed. It returns the
// admitted CN on success.
func Admit(ctx context.Context, conn *tls.Conn, allowed AllowList) (cn string, err error) {
	if err = conn.HandshakeContext(ctx); err != nil {
		return "", fmt.Errorf("tlsauth: handshake failed: %w", err)
	}
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("tlsauth: peer presented no certificate")
	}
	cn = state.PeerCertificates[0].Subject.CommonName
	if !allowed.Allowed(cn) {
		return cn, fmt.Errorf("tlsauth: CN %q is not in the allow-list", cn)
	}
	return cn, nil
}
