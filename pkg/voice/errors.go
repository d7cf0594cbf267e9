package voice

import "errors"

// Broker errors. The HTTP client and the server-side broker both wrap these,
// so callers on either side can classify a failure with [errors.Is].
var (
	// ErrUnauthenticated means the caller presented no valid identity.
	ErrUnauthenticated = errors.New("voice: unauthenticated")

	// ErrInvalidConversation means the conversation does not exist or is not
	// owned by the caller.
	ErrInvalidConversation = errors.New("voice: invalid conversation")

	// ErrInvalidSettings means the request named an unknown voice or a
	// malformed language tag.
	ErrInvalidSettings = errors.New("voice: invalid settings")

	// ErrProviderUnavailable means the speech provider could not mint a
	// session. It is transient.
	ErrProviderUnavailable = errors.New("voice: provider unavailable")
)

// IsConfigurationError reports whether err is a failure that retrying with
// the same inputs cannot fix.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrInvalidConversation) ||
		errors.Is(err, ErrInvalidSettings)
}
