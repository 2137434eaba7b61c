// Package wire implements the length-prefixed, discriminated-union
// framing of the parent-worker message protocol: a 4-byte big-endian
// length prefix followed by a msgpack-encoded map carrying an explicit
// "type" field, readable without a full decode. Frame boundaries survive
// partial pipe reads, which byte streams over stdin/stdout do not
// otherwise guarantee.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxFrameSize bounds a single frame, length prefix included, guarding
	// against a runaway worker exhausting orchestrator memory.
	MaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the width of the frame length prefix.
	LengthPrefixSize = 4
	// MaxPayloadSize is the largest payload a frame may carry.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
)

// Message type discriminants carried in each frame's "type" field.
const (
	TypeStart    = "start"
	TypeProgress = "progress"
	TypeLog      = "log"
	TypeComplete = "complete"
	TypeError    = "error"
)

// FrameErrorKind classifies a decoding failure. The Supervisor does not
// distinguish kinds: any frame error ends the run as a protocol error.
type FrameErrorKind int

const (
	FrameErrorPartial FrameErrorKind = iota
	FrameErrorTooLarge
	FrameErrorDecode
	FrameErrorUnknownType
)

// FrameError wraps a frame decoding failure.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// Start is sent by the parent to the child exactly once, at start.
type Start struct {
	Type string `msgpack:"type"`
	Spec any    `msgpack:"spec"`
}

// Progress is sent zero or more times by the child.
type Progress struct {
	Type               string  `msgpack:"type"`
	CurrentRps         float64 `msgpack:"currentRps"`
	TotalRequests      int64   `msgpack:"totalRequests"`
	SuccessfulRequests int64   `msgpack:"successfulRequests"`
	FailedRequests     int64   `msgpack:"failedRequests"`
	AverageLatency     float64 `msgpack:"averageLatency"`
	ElapsedTime        float64 `msgpack:"elapsedTime"`
}

// Log is sent zero or more times by the child.
type Log struct {
	Type      string `msgpack:"type"`
	Message   string `msgpack:"message"`
	Timestamp string `msgpack:"timestamp"`
}

// Complete is one of the two possible terminal messages from the child.
type Complete struct {
	Type               string  `msgpack:"type"`
	TotalRequests      int64   `msgpack:"totalRequests"`
	SuccessfulRequests int64   `msgpack:"successfulRequests"`
	FailedRequests     int64   `msgpack:"failedRequests"`
	AverageRps         float64 `msgpack:"averageRps"`
	P50Latency         float64 `msgpack:"p50Latency"`
	P95Latency         float64 `msgpack:"p95Latency"`
	P99Latency         float64 `msgpack:"p99Latency"`
	ErrorRate          float64 `msgpack:"errorRate"`
	Duration           float64 `msgpack:"duration"`
}

// Error is the other possible terminal message from the child.
type Error struct {
	Type    string `msgpack:"type"`
	Message string `msgpack:"message"`
	Details string `msgpack:"details,omitempty"`
	Stack   string `msgpack:"stack,omitempty"`
}

// Decoder reads length-prefixed msgpack frames from a child's stdout.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame reading. r is typically a child process's
// stdout pipe, which is unbuffered at the OS level.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// ReadFrame reads one length-prefixed payload. Returns io.EOF when the
// stream ends cleanly between frames.
func (d *Decoder) ReadFrame() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxPayloadSize {
		return nil, &FrameError{Kind: FrameErrorTooLarge, Msg: fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

// probeType extracts the "type" field from a msgpack map without fully
// decoding the rest of the payload.
func probeType(payload []byte) (string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if key == "type" {
			return dec.DecodeString()
		}
		if err := dec.Skip(); err != nil {
			return "", err
		}
	}
	return "", errors.New("missing type field")
}

// Decode discriminates payload by its "type" field and unmarshals it into
// the matching typed message. An unrecognized type is rejected as a
// protocol error rather than silently ignored.
func Decode(payload []byte) (any, error) {
	t, err := probeType(payload)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to probe frame type", Err: err}
	}

	var dst any
	switch t {
	case TypeProgress:
		dst = &Progress{}
	case TypeLog:
		dst = &Log{}
	case TypeComplete:
		dst = &Complete{}
	case TypeError:
		dst = &Error{}
	default:
		return nil, &FrameError{Kind: FrameErrorUnknownType, Msg: "unrecognized frame type: " + t}
	}

	if err := msgpack.Unmarshal(payload, dst); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode " + t + " frame", Err: err}
	}
	return dst, nil
}

// EncodeFrame wraps payload with its 4-byte big-endian length prefix.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// EncodeStart encodes a Start message as a length-prefixed frame, ready
// to write to the child's stdin.
func EncodeStart(spec any) ([]byte, error) {
	payload, err := msgpack.Marshal(Start{Type: TypeStart, Spec: spec})
	if err != nil {
		return nil, fmt.Errorf("failed to encode start frame: %w", err)
	}
	return EncodeFrame(payload), nil
}

// Encoder writes length-prefixed frames to a child's stdin.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w for frame writing.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteStart marshals and writes a start frame.
func (e *Encoder) WriteStart(spec any) error {
	frame, err := EncodeStart(spec)
	if err != nil {
		return err
	}
	_, err = e.w.Write(frame)
	return err
}
