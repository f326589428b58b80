package domain

import "errors"

// ConnectionState is the lifecycle state of a real-time connection.
type ConnectionState string

const (
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateOpen           ConnectionState = "open"
	StateClosing        ConnectionState = "closing"
	StateClosed         ConnectionState = "closed"
)

// validConnectionTransitions is the connection state machine.
var validConnectionTransitions = map[ConnectionState][]ConnectionState{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateOpen, StateClosed},
	StateOpen:           {StateClosing},
	StateClosing:        {StateClosed},
}

var ErrInvalidConnectionTransition = errors.New("invalid connection state transition")

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	for _, allowed := range validConnectionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Close codes sent to real-time clients. 4xxx codes are application defined.
const (
	CloseServerShutdown       = 1001
	CloseMissingCredential    = 4400
	CloseAuthenticationFailed = 4401
	CloseForbidden            = 4403
	CloseCredentialExpired    = 4408
	CloseRateLimited          = 4429
)

// Close reasons paired with the codes above.
const (
	ReasonServerShutdown       = "server_shutdown"
	ReasonMissingCredential    = "missing_credential"
	ReasonAuthenticationFailed = "authentication_failed"
	ReasonForbidden            = "forbidden"
	ReasonCredentialExpired    = "credential_expired"
	ReasonRateLimited          = "rate_limited"
	ReasonClientClosed         = "client_closed"
	ReasonChannelError         = "channel_error"
)
