package client

import "fmt"

// AuthenticationError reports a failed interactive login. Callers are
// expected to catch it and restart the flow.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// LogoutError reports a failed logout flow. The local session is cleared
// before this is returned, so the coordinator is Anonymous either way.
type LogoutError struct {
	Err error
}

func (e *LogoutError) Error() string {
	return fmt.Sprintf("logout failed: %v", e.Err)
}

func (e *LogoutError) Unwrap() error { return e.Err }
