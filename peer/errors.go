package peer

import "errors"

var (
	// ErrChannelStopped is reported to operations attempted on, or still
	// pending in, a stopped channel.
	ErrChannelStopped = errors.New("channel stopped")

	// ErrChannelTimeout is the stop reason of a channel whose lifetime,
	// inactivity or protocol deadline elapsed.
	ErrChannelTimeout = errors.New("channel timed out")

	// ErrChannelDropped is the stop reason of a channel whose peer closed
	// the connection.
	ErrChannelDropped = errors.New("channel dropped by peer")

	// ErrBadStream wraps transport read and write failures.
	ErrBadStream = errors.New("bad stream")

	// ErrAlreadyStarted is reported when Start is called twice.
	ErrAlreadyStarted = errors.New("channel already started")
)
