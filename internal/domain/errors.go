package domain

import "errors"

var (
	// ErrAuthFailure covers missing, malformed, expired and rejected tokens.
	ErrAuthFailure = errors.New("invalid credentials")
	// ErrNotAMember is returned for join/send/read on a conversation the
	// user does not belong to. No state is mutated.
	ErrNotAMember = errors.New("not a member")
	// ErrTargetOffline means the call target has no live connections.
	ErrTargetOffline = errors.New("target offline")
	// ErrTransportDrop marks an unexpected disconnect.
	ErrTransportDrop = errors.New("transport dropped")
	// ErrReconnectExhausted is terminal on the client.
	ErrReconnectExhausted = errors.New("unable to reconnect")

	ErrTooManyConnections = errors.New("too many connections")
	ErrBadPayload         = errors.New("bad payload")
	// ErrSessionReplaced is terminal on the client: a newer device took the
	// slot under the per-user connection cap.
	ErrSessionReplaced = errors.New("session replaced")
)

// CloseAuthFailed is the websocket close code sent when the handshake token
// is rejected. Clients must not auto-retry on it.
const CloseAuthFailed = 4401

// Close codes the server picks when it ends a registered connection. A
// clean 1000 and CloseSessionReplaced are terminal for the client;
// CloseTryAgain (slow consumer) and 1001 (shutdown) are retried.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseTryAgain        = 1013
	CloseSessionReplaced = 4409
)
