package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Class groups collector status codes by their first digit
type Class int

const (
	// Failure is any reply that is neither 2xx nor 3xx
	Failure Class = iota
	// Success is a 2xx reply
	Success
	// Retry is a 3xx "not ready yet" reply
	Retry
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "failure"
	}
}

// Response is one status line sent by the collector, e.g. "200 READY"
type Response struct {
	Code   int
	Reason string
}

// ParseResponse parses a status line. A line without a three digit code
// keeps only its first digit as Code, or 0 when it does not start with one;
// the class is decided by that first digit either way.
func ParseResponse(line string) Response {
	line = strings.TrimRight(line, "\r\n")
	codePart, reason, _ := strings.Cut(line, " ")

	code, err := strconv.Atoi(codePart)
	if err == nil && len(codePart) == 3 {
		return Response{Code: code, Reason: reason}
	}
	if line != "" && line[0] >= '0' && line[0] <= '9' {
		return Response{Code: int(line[0] - '0'), Reason: line}
	}
	return Response{Code: 0, Reason: line}
}

// Class classifies the response
func (r Response) Class() Class {
	digit := r.Code
	if digit >= 100 {
		digit /= 100
	}
	switch digit {
	case 2:
		return Success
	case 3:
		return Retry
	default:
		return Failure
	}
}

func (r Response) String() string {
	if r.Code < 100 {
		return fmt.Sprintf("unparsable reply %q", r.Reason)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Reason)
}

var (
	// ErrNotReady is returned when the collector refuses a DATA handshake
	ErrNotReady = errors.New("collector not ready")
	// ErrProxy is returned when the proxy does not open a tunnel
	ErrProxy = errors.New("proxy refused tunnel")
	// ErrRejected is returned when the collector does not acknowledge a
	// payload or a ROTATE notification
	ErrRejected = errors.New("collector rejected transfer")
)
