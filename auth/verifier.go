package auth

import (
	"context"
	"errors"
)

// ErrAuthentication is returned for any bad or missing credential. Callers
// reject the connection before any event handler runs, they never crash.
var ErrAuthentication = errors.New("authentication error")

// Identity is the result of a successful credential verification.
type Identity struct {
	UserID   string
	Username string
}

// Verifier validates a bearer credential presented at connection time.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Chain tries each verifier in order and returns the first successful
// identity. It fails with the last error if none succeeds.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (Identity, error) {
	err := ErrAuthentication
	for _, v := range c {
		var id Identity
		id, err = v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return Identity{}, err
}
