package grammar

import (
	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/openvoip/siptx/internal/errorutil"
)

const (
	ErrEmptyInput     Error = "empty input"
	ErrMalformedInput Error = "malformed input"
)

func newMalformedInputErr(args ...any) error {
	return errorutil.NewWrapperError(ErrMalformedInput, args...) //errtrace:skip
}

// parse applies op to the whole input, a partial match is an error.
func parse[T ~string | ~[]byte](op abnf.Operator, s T) (*abnf.Node, error) {
	if len(s) == 0 {
		return nil, errtrace.Wrap(ErrEmptyInput)
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := op([]byte(s), 0, ns); err != nil {
		return nil, errtrace.Wrap(newMalformedInputErr(err))
	}

	n := ns.Best()
	if nl, il := n.Len(), len(s); nl < il {
		return nil, errtrace.Wrap(newMalformedInputErr("node length %d < input length %d", nl, il))
	}
	return n, nil
}

// ParseRequestLine parses a Request-Line without the trailing CRLF.
func ParseRequestLine[T ~string | ~[]byte](s T) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(requestLine, s))
}

// ParseStatusLine parses a Status-Line without the trailing CRLF.
func ParseStatusLine[T ~string | ~[]byte](s T) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(statusLine, s))
}

// ParseCSeq parses a CSeq header value.
func ParseCSeq[T ~string | ~[]byte](s T) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(cseq, s))
}

// ParseViaParm parses a single Via value, the list must be split by the caller.
func ParseViaParm[T ~string | ~[]byte](s T) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(viaParm, s))
}
