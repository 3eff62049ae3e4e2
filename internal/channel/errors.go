package channel

import "errors"

var (
	// ErrMissingCredentials is a configuration error; start never retries it.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrNoConversation is returned when a notification has no target to go to.
	ErrNoConversation = errors.New("no conversation available")
	// ErrNotConnected is returned by outbound calls while the gateway is down.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrLivenessTimeout marks a connection that went silent past the liveness threshold.
	ErrLivenessTimeout = errors.New("no inbound traffic within liveness threshold")
	// ErrConnectionLost marks a connection whose transport exited on its own.
	ErrConnectionLost = errors.New("connection lost")
	// ErrSupervisorClosed is returned after Close.
	ErrSupervisorClosed = errors.New("supervisor closed")
	// ErrMediaUnsupported is returned when an adapter cannot upload media.
	ErrMediaUnsupported = errors.New("media upload not supported")
)

// handlerFailedReply is sent to the conversation when a handler fails without
// a ReplyError.
const handlerFailedReply = "the message could not be processed, please try again later"

// ReplyError carries a message that is safe to show in the chat alongside the
// underlying error, which is only logged.
type ReplyError struct {
	Message string
	Err     error
}

// NewReplyError wraps err with a user-facing message.
func NewReplyError(message string, err error) error {
	return &ReplyError{Message: message, Err: err}
}

func (e *ReplyError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ReplyError) Unwrap() error { return e.Err }

// replyText returns the part of a handler error that may be shown in chat.
func replyText(err error) string {
	var re *ReplyError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return handlerFailedReply
}
