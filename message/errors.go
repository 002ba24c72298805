package message

import (
	"fmt"

	"github.com/openvoip/siptx/internal/errorutil"
)

const (
	// ErrInvalidMessage is returned when the data is not a valid SIP message.
	ErrInvalidMessage errorutil.Error = "invalid message"
	// ErrEmptyMessage is returned for keep-alive datagrams that contain only CRLF.
	ErrEmptyMessage errorutil.Error = "empty message"
)

func errInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...)) //errtrace:skip
}
