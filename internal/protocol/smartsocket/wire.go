package smartsocket

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	statusOkay = "OKAY"
	statusFail = "FAIL"

	maxCommandLen = 0xFFFF
)

var (
	ErrDaemonFailure    = errors.New("smartsocket: daemon replied FAIL")
	ErrUnexpectedStatus = errors.New("smartsocket: unexpected status")
	ErrCommandTooLong   = errors.New("smartsocket: command too long")
	ErrEmptyCommand     = errors.New("smartsocket: empty command")
)

// FailError carries the message of a FAIL reply.
type FailError struct {
	Command string
	Message string
}

func (e *FailError) Error() string {
	return fmt.Sprintf("smartsocket: %q failed: %s", e.Command, e.Message)
}

func (e *FailError) Unwrap() error {
	return ErrDaemonFailure
}

// WriteCommand sends one length-prefixed request: four lowercase hex digits
// of length followed by the command text.
func WriteCommand(w io.Writer, command string) error {
	if command == "" {
		return ErrEmptyCommand
	}
	if len(command) > maxCommandLen {
		return fmt.Errorf("%w: %d bytes", ErrCommandTooLong, len(command))
	}
	_, err := io.WriteString(w, fmt.Sprintf("%04x%s", len(command), command))
	return err
}

// ReadStatus consumes an OKAY, or a FAIL with its length-prefixed message.
func ReadStatus(r io.Reader, command string) error {
	var status [4]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return fmt.Errorf("smartsocket: read status for %q: %w", command, err)
	}
	switch string(status[:]) {
	case statusOkay:
		return nil
	case statusFail:
		msg, err := readHexString(r)
		if err != nil {
			return fmt.Errorf("smartsocket: read failure message for %q: %w", command, err)
		}
		return &FailError{Command: command, Message: msg}
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedStatus, status[:])
	}
}

func readHexString(r io.Reader) (string, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(prefix[:]), 16, 16)
	if err != nil {
		return "", fmt.Errorf("invalid length prefix %q: %w", prefix[:], err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
