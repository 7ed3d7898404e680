package remote

import "github.com/google/uuid"

// newCorrelationID mints a fresh id for a reply-expecting command.
func newCorrelationID() string {
	return uuid.NewString()
}

// newProxyToken mints a fresh id identifying one tunnel proxy connection.
// The broker treats it as an opaque token and echoes it back on frames
// flowing the other way.
func newProxyToken() string {
	return uuid.NewString()
}
