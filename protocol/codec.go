package protocol

import (
	"io"

	"github.com/pkg/errors"
)

// FormatBencode is the only wire encoding nREPL servers speak over TCP.
const FormatBencode = "bencode"

// Codec defines the interface for encoding and decoding protocol messages.
// Implementations handle the serialization format and message framing over
// the underlying transport.
type Codec interface {
	// Encode writes one complete message to the underlying writer.
	Encode(msg Message) error

	// Decode reads exactly one message from the underlying reader, blocking
	// until it is complete. It returns io.EOF when the stream ends cleanly
	// between messages and a *ProtocolError for bad or truncated data.
	Decode(msg *Message) error

	// Close closes the codec and its underlying resources
	Close() error
}

// NewCodec creates a codec based on the specified format.
// An empty format selects bencode.
func NewCodec(format string, rw io.ReadWriteCloser) (Codec, error) {
	switch format {
	case FormatBencode, "":
		return NewBencodeCodec(rw), nil
	default:
		return nil, errors.Errorf("unsupported codec format: %s", format)
	}
}
