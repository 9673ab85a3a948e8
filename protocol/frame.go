package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the purpose of a frame. Values below 0x40 travel
// host(manager)->worker, values in [0x50,0x60) travel worker->host, and
// 0x64 is synthesized locally by the receiver and never appears on the wire.
type Kind uint8

const (
	// KindCall is a host->worker call that expects a reply.
	KindCall Kind = 0x01
	// KindCallNoReply is a host->worker call with no reply expected.
	KindCallNoReply Kind = 0x02
	// KindInterrupt is a host->worker request to cancel the worker's
	// currently running call, used on platforms that cannot route a signal
	// to the child process independently of the parent.
	KindInterrupt Kind = 0x14
	// KindResult is a worker->host reply carrying a successful return value.
	KindResult Kind = 0x50
	// KindFailure is a worker->host reply carrying a raised/returned error.
	KindFailure Kind = 0x51
	// KindSerializationFailure is never written to the wire. The manager's
	// receive loop does not rewrite frames to this kind either: a frame
	// whose body fails to decode wakes its id's waiter with a RemoteError
	// directly, without passing through this constant.
	KindSerializationFailure Kind = 0x64
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindCallNoReply:
		return "call-no-reply"
	case KindInterrupt:
		return "interrupt"
	case KindResult:
		return "result"
	case KindFailure:
		return "failure"
	case KindSerializationFailure:
		return "serialization-failure"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// delimiter is a 10-byte resynchronization marker, not a length prefix.
// Readers that fail to deserialize a body must consume bytes until this
// sequence is matched, then resume framing from there.
var delimiter = [10]byte{0x79, 0x8E, 0x8E, 0xF5, 0x6E, 0x9B, 0x2E, 0x97, 0xD5, 0x7D}

// writeBufferSize coalesces the many small frame writes a busy manager or
// worker emits into fewer syscalls. 64KiB matches the teacher's wsJSONWriter
// chunking rationale (agent/process/ws.go) applied to a plain byte stream
// instead of WebSocket messages.
const writeBufferSize = 64 * 1024

// Writer frames and writes messages to an underlying byte stream. A Writer
// is safe for concurrent use: WriteFrame takes an internal lock so that
// concurrent senders never interleave a header/body/delimiter triple.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
}

// NewWriter wraps w with the frame writer's coalescing buffer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriterSize(w, writeBufferSize)}
}

// WriteFrame writes one frame: kind, id (little-endian), the CBOR-encoded
// body, and the delimiter, then flushes so the peer observes it promptly.
func (w *Writer) WriteFrame(kind Kind, id uint64, body any) error {
	encoded, err := EncodeBody(body)
	if err != nil {
		return fmt.Errorf("protocol: encoding %s body: %w", kind, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.WriteByte(byte(kind)); err != nil {
		return fmt.Errorf("protocol: writing kind: %w", err)
	}
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], id)
	if _, err := w.buf.Write(idBuf[:]); err != nil {
		return fmt.Errorf("protocol: writing id: %w", err)
	}
	if _, err := w.buf.Write(encoded); err != nil {
		return fmt.Errorf("protocol: writing body: %w", err)
	}
	if _, err := w.buf.Write(delimiter[:]); err != nil {
		return fmt.Errorf("protocol: writing delimiter: %w", err)
	}
	return w.buf.Flush()
}

// Frame is a fully decoded frame, or a frame whose body failed to decode
// (in which case DecodeErr is a *FrameError and Body is nil).
type Frame struct {
	Kind      Kind
	ID        uint64
	Body      []byte
	DecodeErr error
}

// FrameError reports that a frame's body could not be decoded. The stream
// has already been resynchronized to the next delimiter by the time a
// caller observes this; the id is still meaningful and should be used to
// wake that id's waiter with a failure, the way a KindFailure would.
type FrameError struct {
	Kind Kind
	ID   uint64
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: frame %d (%s): %s", e.ID, e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// ErrClosed is returned by ReadFrame when the stream ended cleanly at a
// frame boundary (the worker or manager closed the connection).
var ErrClosed = io.EOF

// Reader reads and deframes messages from an underlying byte stream. Reads
// are unbuffered in the sense that the delimiter scan never overshoots the
// next frame: Reader owns a small accumulator of bytes read-but-not-yet
// consumed (pending), so a partial CBOR item never loses data the way a
// throwaway decoder per call would.
type Reader struct {
	r       io.Reader
	pending []byte
}

// NewReader wraps r. r should itself be reasonably buffered (e.g. a
// bufio.Reader over a net.Conn) since Reader issues many small reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads exactly one frame. On a clean end-of-stream before any
// byte of a new frame, it returns ErrClosed. Once the kind byte has been
// consumed, any further short read is a fatal protocol error, matching
// spec.md's "this read must not fail once kind is consumed" invariant.
func (r *Reader) ReadFrame() (Frame, error) {
	kindByte, err := r.take(1)
	if err != nil {
		if errors.Is(err, io.EOF) && len(r.pending) == 0 {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("protocol: reading kind: %w", err)
	}
	kind := Kind(kindByte[0])

	idBytes, err := r.take(8)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: fatal short read of id: %w", err)
	}
	id := binary.LittleEndian.Uint64(idBytes)

	body, decodeErr := r.readBodyThenDelimiter()
	if decodeErr != nil {
		return Frame{Kind: kind, ID: id, DecodeErr: &FrameError{Kind: kind, ID: id, Err: decodeErr}}, nil
	}
	return Frame{Kind: kind, ID: id, Body: body}, nil
}

// take returns exactly n bytes, reading more from the underlying stream as
// needed, and removes them from pending.
func (r *Reader) take(n int) ([]byte, error) {
	for len(r.pending) < n {
		buf := make([]byte, 4096)
		nRead, err := r.r.Read(buf)
		if nRead > 0 {
			r.pending = append(r.pending, buf[:nRead]...)
		}
		if err != nil {
			if len(r.pending) >= n {
				break
			}
			return nil, err
		}
	}
	out := r.pending[:n]
	r.pending = r.pending[n:]
	return out, nil
}

// fill ensures at least n bytes are buffered in pending, reading from the
// underlying stream as needed, without consuming them.
func (r *Reader) fill(n int) error {
	for len(r.pending) < n {
		buf := make([]byte, 4096)
		nRead, err := r.r.Read(buf)
		if nRead > 0 {
			r.pending = append(r.pending, buf[:nRead]...)
		}
		if err != nil {
			if len(r.pending) >= n {
				return nil
			}
			return err
		}
	}
	return nil
}

// readBodyThenDelimiter decodes exactly one CBOR data item from the head of
// the stream, determines its length via the decoder's byte counter (so no
// bytes belonging to the next frame are ever consumed), then drains the
// fixed delimiter that follows it. If the item cannot be decoded at all
// (malformed, not merely truncated), it instead scans for the delimiter so
// the stream can be resynchronized, and returns the decode error.
func (r *Reader) readBodyThenDelimiter() ([]byte, error) {
	for {
		if err := r.fill(1); err != nil && len(r.pending) == 0 {
			return nil, fmt.Errorf("reading body: %w", err)
		}

		dec := decMode.NewDecoder(newSliceReader(r.pending))
		var raw cbor.RawMessage
		decErr := dec.Decode(&raw)
		if decErr == nil {
			n := dec.NumBytesRead()
			body := append([]byte{}, r.pending[:n]...)
			r.pending = r.pending[n:]
			if err := r.drainDelimiter(); err != nil {
				return nil, fmt.Errorf("resyncing to delimiter: %w", err)
			}
			return body, nil
		}

		if isIncomplete(decErr) {
			before := len(r.pending)
			fillErr := r.fill(before + 1)
			if fillErr != nil && len(r.pending) == before {
				// No more data ever arrived: the stream ended mid-item.
				r.scanToDelimiter()
				return nil, fmt.Errorf("decoding body (truncated stream): %w", decErr)
			}
			continue
		}

		// Genuinely malformed body: resynchronize and surface the error.
		if err := r.scanToDelimiter(); err != nil {
			return nil, fmt.Errorf("decoding body: %w (and failed to resync: %v)", decErr, err)
		}
		return nil, fmt.Errorf("decoding body: %w", decErr)
	}
}

func isIncomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// drainDelimiter consumes exactly the 10-byte delimiter that must be the
// very next thing on the stream after a successfully decoded body.
func (r *Reader) drainDelimiter() error {
	got, err := r.take(len(delimiter))
	if err != nil {
		return err
	}
	if [10]byte(got) != delimiter {
		return fmt.Errorf("expected delimiter, got %x", got)
	}
	return nil
}

// scanToDelimiter consumes bytes until the 10-byte delimiter sequence has
// been matched and fully consumed, starting from whatever is in pending.
func (r *Reader) scanToDelimiter() error {
	for {
		if idx := indexOfDelimiter(r.pending); idx >= 0 {
			r.pending = r.pending[idx+len(delimiter):]
			return nil
		}
		if len(r.pending) > len(delimiter) {
			r.pending = r.pending[len(r.pending)-len(delimiter):]
		}
		var b [1]byte
		n, err := r.r.Read(b[:])
		if n > 0 {
			r.pending = append(r.pending, b[0])
		}
		if err != nil && n == 0 {
			return err
		}
	}
}

func indexOfDelimiter(window []byte) int {
	if len(window) < len(delimiter) {
		return -1
	}
	for i := 0; i <= len(window)-len(delimiter); i++ {
		if [10]byte(window[i:i+len(delimiter)]) == delimiter {
			return i
		}
	}
	return -1
}

// sliceReader is a minimal io.Reader over a byte slice: like bytes.Reader,
// it returns io.EOF once the slice is exhausted. It is named here to make
// clear it is purpose-built for feeding the CBOR decoder a bounded view of
// Reader.pending without copying.
type sliceReader struct {
	data []byte
	pos  int
}

func newSliceReader(data []byte) *sliceReader {
	return &sliceReader{data: data}
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}
