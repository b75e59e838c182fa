package protocol

import (
	"bufio"
	"bytes"
	"io"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// MaxStringLen bounds a single bencode string so a corrupt length prefix
// cannot make the decoder allocate without limit.
const MaxStringLen = 64 << 20

// BencodeCodec implements Codec over bencode dictionaries.
// Writes are buffered so that each message reaches the writer in a single
// Write call; reads share one bufio.Reader so bytes of the following message
// are never lost between calls.
type BencodeCodec struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader
}

// NewBencodeCodec creates a bencode codec that reads from and writes to rw.
func NewBencodeCodec(rw io.ReadWriteCloser) *BencodeCodec {
	return &BencodeCodec{
		rw: rw,
		r:  bufio.NewReader(rw),
	}
}

// Encode marshals msg and writes it to the underlying writer.
func (c *BencodeCodec) Encode(msg Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.rw.Write(b)
	return err
}

// Decode reads and decodes one dictionary from the underlying reader.
func (c *BencodeCodec) Decode(msg *Message) error {
	// A failure before the first byte is a clean end of stream (or an I/O
	// error), never a protocol violation.
	if _, err := c.r.Peek(1); err != nil {
		return err
	}
	frame, err := readFrame(c.r)
	if err != nil {
		return err
	}
	m, err := decodeFrame(frame)
	if err != nil {
		return err
	}
	*msg = m
	return nil
}

// Close closes the underlying ReadWriteCloser.
func (c *BencodeCodec) Close() error {
	return c.rw.Close()
}

// Marshal encodes msg as a bencode dictionary.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil message")
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, map[string]any(msg)); err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one message from b. Trailing bytes are an error.
func Unmarshal(b []byte) (Message, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Peek(1); err == nil {
		return nil, &ProtocolError{Err: errors.New("trailing bytes after message")}
	}
	return decodeFrame(frame)
}

func decodeFrame(frame []byte) (Message, error) {
	v, err := bencode.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ProtocolError{Err: errors.Errorf("expected dictionary, got %T", v)}
	}
	return Message(m), nil
}

// readFrame copies the bytes of one complete top-level dictionary out of r.
// It only checks the framing; decodeFrame builds the values. Running out of
// input yields a truncated ProtocolError, any other read failure is returned
// as is.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	depth := 0
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		if buf.Len() == 0 && c != 'd' {
			return nil, &ProtocolError{Err: errors.Errorf("expected dictionary, got leading byte %q", c)}
		}
		buf.WriteByte(c)

		switch {
		case c == 'd' || c == 'l':
			depth++
		case c == 'e':
			depth--
		case c == 'i':
			if err := readInt(r, &buf); err != nil {
				return nil, err
			}
		case c >= '0' && c <= '9':
			if err := readString(r, &buf, c); err != nil {
				return nil, err
			}
		default:
			return nil, &ProtocolError{Err: errors.Errorf("unexpected byte %q at offset %d", c, buf.Len()-1)}
		}

		if depth == 0 {
			return buf.Bytes(), nil
		}
	}
}

// readInt consumes the body of an integer after its 'i' marker.
func readInt(r *bufio.Reader, buf *bytes.Buffer) error {
	digits := 0
	for {
		c, err := r.ReadByte()
		if err != nil {
			return truncated(err)
		}
		buf.WriteByte(c)
		switch {
		case c == 'e':
			if digits == 0 {
				return &ProtocolError{Err: errors.New("empty integer")}
			}
			return nil
		case c == '-' && digits == 0:
		case c >= '0' && c <= '9':
			digits++
			if digits > 19 {
				return &ProtocolError{Err: errors.New("integer overflows int64")}
			}
		default:
			return &ProtocolError{Err: errors.Errorf("unexpected byte %q in integer", c)}
		}
	}
}

// readString consumes a length-prefixed string whose first length digit was
// already read.
func readString(r *bufio.Reader, buf *bytes.Buffer, first byte) error {
	n := int64(first - '0')
	for {
		c, err := r.ReadByte()
		if err != nil {
			return truncated(err)
		}
		buf.WriteByte(c)
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return &ProtocolError{Err: errors.Errorf("unexpected byte %q in string length", c)}
		}
		n = n*10 + int64(c-'0')
		if n > MaxStringLen {
			return &ProtocolError{Err: errors.Errorf("string length exceeds %d bytes", MaxStringLen)}
		}
	}
	if _, err := io.CopyN(buf, r, n); err != nil {
		return truncated(err)
	}
	return nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &ProtocolError{Truncated: true, Err: io.ErrUnexpectedEOF}
	}
	return err
}
