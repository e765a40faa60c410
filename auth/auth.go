// Package auth verifies the signed credentials presented by connecting clients.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrAuthentication is returned for any missing, malformed, expired or
// otherwise unacceptable credential. Callers only need errors.Is on it.
var ErrAuthentication = errors.New("authentication failed")

// DefaultHeader is the handshake header the shop frontend sends the token in.
const DefaultHeader = "authentication"

// Identity is the decoded claim of a verified credential.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"fullName"`
}

// Verifier turns a raw credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// CredentialFromRequest extracts the credential from the handshake request.
// The named header wins, then "Authorization: Bearer", then the "token" query
// parameter, since browsers cannot set headers on a WebSocket upgrade.
func CredentialFromRequest(r *http.Request, header string) string {
	if header == "" {
		header = DefaultHeader
	}
	if token := strings.TrimSpace(r.Header.Get(header)); token != "" {
		return token
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func authError(msg string) error {
	return errors.WithMessage(ErrAuthentication, msg)
}

func wrapAuthError(err error, msg string) error {
	return errors.WithMessagef(ErrAuthentication, "%s: %v", msg, err)
}
