package rtevent

import "errors"

// MalformedEventError marks a wire message that could not be decoded.
// Malformed events are recoverable: the connection stays open, the message
// is logged and dropped.
type MalformedEventError struct {
	Reason string
	Data   []byte
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// IsMalformed reports whether err is a MalformedEventError anywhere in its
// chain.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}
