package lan

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/opd-ai/onetoone/limits"
	"github.com/opd-ai/onetoone/noise"
)

var errEmptyFrame = errors.New("empty frame")

const (
	frameData  byte = 1
	frameClose byte = 2
)

// writeRaw writes a 4-byte big-endian length prefix followed by payload.
func writeRaw(conn net.Conn, payload []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	return err
}

// readRaw reads one length-prefixed payload. A zero timeout leaves the read
// deadline unset.
func readRaw(conn net.Conn, timeout time.Duration) ([]byte, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrameLength(length); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame encrypts kind and data as one frame.
func writeFrame(conn net.Conn, s *noise.Session, kind byte, data []byte, timeout time.Duration) error {
	plain := make([]byte, 1+len(data))
	plain[0] = kind
	copy(plain[1:], data)

	sealed, err := s.Encrypt(plain)
	if err != nil {
		return err
	}
	return writeRaw(conn, sealed, timeout)
}

// readFrame reads and decrypts one frame.
func readFrame(conn net.Conn, s *noise.Session) (byte, []byte, error) {
	sealed, err := readRaw(conn, 0)
	if err != nil {
		return 0, nil, err
	}
	plain, err := s.Decrypt(sealed)
	if err != nil {
		return 0, nil, err
	}
	if len(plain) == 0 {
		return 0, nil, errEmptyFrame
	}
	return plain[0], plain[1:], nil
}
