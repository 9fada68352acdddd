package ssh

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/ssh"
)

// Session request payloads are parsed by hand. The wire format is
// length-prefixed strings and big-endian uint32s (RFC 4254 section 6).

var errShortPayload = errors.New("truncated request payload")

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

type windowDims struct {
	Width  uint32
	Height uint32
}

// parsePTYRequest decodes a pty-req payload: TERM, columns, rows, then
// pixel dimensions and encoded terminal modes, which are ignored.
func parsePTYRequest(payload []byte) (*ptyRequest, error) {
	term, rest, err := parseString(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) < 16 {
		return nil, errShortPayload
	}
	return &ptyRequest{
		Term:   term,
		Width:  binary.BigEndian.Uint32(rest[0:4]),
		Height: binary.BigEndian.Uint32(rest[4:8]),
	}, nil
}

// parseExecRequest decodes an exec payload into the raw command bytes.
func parseExecRequest(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, errShortPayload
	}
	n := binary.BigEndian.Uint32(payload)
	if uint64(len(payload)) < 4+uint64(n) {
		return nil, errShortPayload
	}
	return payload[4 : 4+n], nil
}

// parseSubsystemRequest decodes a subsystem payload into the subsystem
// name.
func parseSubsystemRequest(payload []byte) (string, error) {
	name, _, err := parseString(payload)
	return name, err
}

// parseWindowChange decodes a window-change payload: columns, rows, then
// pixel dimensions, which are ignored.
func parseWindowChange(payload []byte) (*windowDims, error) {
	if len(payload) < 16 {
		return nil, errShortPayload
	}
	return &windowDims{
		Width:  binary.BigEndian.Uint32(payload[0:4]),
		Height: binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}

func parseString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, errShortPayload
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(len(b)) < 4+uint64(n) {
		return "", nil, errShortPayload
	}
	return string(b[4 : 4+n]), b[4+n:], nil
}

// sendExitStatus reports the exec's exit code before the channel closes.
// Delivery is best-effort; the client may already be gone.
func sendExitStatus(channel ssh.Channel, code uint32) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], code)
	_, _ = channel.SendRequest("exit-status", false, payload[:])
}
