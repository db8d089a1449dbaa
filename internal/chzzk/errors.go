package chzzk

import (
	"errors"
	"fmt"
)

// Error taxonomy for the chat wire protocol. Retryability is decided by the
// session loop: handshake failures, lost connections and stale tokens are
// retried; a missing/offline channel is not.
var (
	// ErrConnection covers transport or handshake failures while establishing
	// a connection.
	ErrConnection = errors.New("chzzk: connection failed")

	// ErrConnectionLost covers abnormal closes and transport errors on an
	// established connection.
	ErrConnectionLost = errors.New("chzzk: connection lost")

	// ErrHeartbeatTimeout is raised when a PONG does not arrive in time. It
	// matches ErrConnectionLost under errors.Is.
	ErrHeartbeatTimeout = fmt.Errorf("heartbeat timeout: %w", ErrConnectionLost)

	// ErrAuthentication covers rejected handshakes and token fetch failures.
	// A fresh token is fetched on every reconnect attempt, so this is
	// retryable.
	ErrAuthentication = errors.New("chzzk: authentication failed")

	// ErrChannelNotFound means the channel is offline or does not exist at
	// connect time. Never retried.
	ErrChannelNotFound = errors.New("chzzk: channel not found or not live")
)
