package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 24

	// VersionMin is the protocol version every peer speaks before CNXN.
	VersionMin uint32 = 0x01000000
	// VersionSkipChecksum stops data_check from being computed or verified.
	VersionSkipChecksum uint32 = 0x01000001

	MaxPayloadLegacy uint32 = 4 * 1024
	MaxPayload       uint32 = 256 * 1024
)

var (
	ErrShortHeader      = errors.New("frame: short header")
	ErrBadMagic         = errors.New("frame: magic does not match command")
	ErrBadChecksum      = errors.New("frame: payload checksum mismatch")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrTruncatedPayload = errors.New("frame: truncated payload")
)

// Header is the fixed wire header. All fields are little-endian on the wire.
type Header struct {
	Command   Command
	Arg0      uint32
	Arg1      uint32
	DataLen   uint32
	DataCheck uint32
	Magic     uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// New builds a frame with the header length/magic fields filled in. The
// checksum is left for Encode since it depends on the negotiated version.
func New(cmd Command, arg0, arg1 uint32, payload []byte) Frame {
	return Frame{
		Header: Header{
			Command: cmd,
			Arg0:    arg0,
			Arg1:    arg1,
			DataLen: uint32(len(payload)),
			Magic:   uint32(cmd) ^ 0xFFFFFFFF,
		},
		Payload: payload,
	}
}

func (f Frame) Command() Command { return f.Header.Command }
func (f Frame) Arg0() uint32     { return f.Header.Arg0 }
func (f Frame) Arg1() uint32     { return f.Header.Arg1 }

// PayloadString decodes a text payload, dropping one trailing NUL.
func (f Frame) PayloadString() string {
	p := f.Payload
	if n := len(p); n > 0 && p[n-1] == 0 {
		p = p[:n-1]
	}
	return string(p)
}

func (f Frame) String() string {
	return fmt.Sprintf("%s(%d, %d, len=%d)", f.Header.Command, f.Header.Arg0, f.Header.Arg1, len(f.Payload))
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	// MaxPayloadBytes caps data_length on both directions.
	MaxPayloadBytes uint32
	// Version selects the checksum scheme; see VersionSkipChecksum.
	Version uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: MaxPayload,
		Version:         VersionMin,
	}
}

func (l Limits) checksummed() bool {
	return l.Version < VersionSkipChecksum
}

// Checksum is the legacy data_check value: the unsigned sum of payload bytes.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Encode renders f into wire bytes under limits.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayloadBytes)
	}
	h := f.Header
	h.DataLen = uint32(len(f.Payload))
	h.Magic = uint32(h.Command) ^ 0xFFFFFFFF
	h.DataCheck = 0
	if limits.checksummed() {
		h.DataCheck = Checksum(f.Payload)
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf[:HeaderLen], h)
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from a blocking reader.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:], limits)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.DataLen)
	if h.DataLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTruncatedPayload
		}
	}
	if err := verifyChecksum(h, payload, limits); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

// DecodeHeader parses and validates a fixed header.
func DecodeHeader(b []byte, limits Limits) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	h := Header{
		Command:   Command(binary.LittleEndian.Uint32(b[0:4])),
		Arg0:      binary.LittleEndian.Uint32(b[4:8]),
		Arg1:      binary.LittleEndian.Uint32(b[8:12]),
		DataLen:   binary.LittleEndian.Uint32(b[12:16]),
		DataCheck: binary.LittleEndian.Uint32(b[16:20]),
		Magic:     binary.LittleEndian.Uint32(b[20:24]),
	}
	if h.Magic != uint32(h.Command)^0xFFFFFFFF {
		return h, fmt.Errorf("%w: command=%#08x magic=%#08x", ErrBadMagic, uint32(h.Command), h.Magic)
	}
	if h.DataLen > limits.MaxPayloadBytes {
		return h, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.DataLen, limits.MaxPayloadBytes)
	}
	return h, nil
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], h.DataLen)
	binary.LittleEndian.PutUint32(buf[16:20], h.DataCheck)
	binary.LittleEndian.PutUint32(buf[20:24], h.Magic)
}

func verifyChecksum(h Header, payload []byte, limits Limits) error {
	if !limits.checksummed() {
		return nil
	}
	if got := Checksum(payload); got != h.DataCheck {
		return fmt.Errorf("%w: %s want=%d got=%d", ErrBadChecksum, h.Command, h.DataCheck, got)
	}
	return nil
}
