package auth

import (
	"context"
	"time"

	"github.com/dylanconnolly/shop-gateway/users"
	"github.com/pkg/errors"
)

// Directory resolves a verified user id to the stored account.
type Directory interface {
	Lookup(ctx context.Context, id string) (users.User, error)
}

// DirectoryVerifier verifies the token and then checks the account exists and
// is active, taking the display name from the stored full name. The lookup is
// a network round-trip so it is bounded by Timeout; running out of time is an
// authentication failure like any other.
type DirectoryVerifier struct {
	Tokens  Verifier
	Users   Directory
	Timeout time.Duration
}

func (v *DirectoryVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	id, err := v.Tokens.Verify(ctx, credential)
	if err != nil {
		return Identity{}, err
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	u, err := v.Users.Lookup(ctx, id.ID)
	switch {
	case errors.Is(err, users.ErrNotFound):
		return Identity{}, authError("user not found")
	case err != nil:
		return Identity{}, wrapAuthError(err, "user lookup")
	case !u.IsActive:
		return Identity{}, authError("user is inactive")
	}

	return Identity{ID: u.ID, DisplayName: u.DisplayName()}, nil
}
