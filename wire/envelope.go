// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/warden-host/warden/lib/codec"
)

// ErrMalformedMessage reports a protocol decode failure: bad magic,
// unknown version or kind, truncated frame, oversized payload, or a
// payload that does not match its kind's schema. Always a bug on one
// side of the connection — never retried. Test with errors.Is.
var ErrMalformedMessage = errors.New("malformed message")

// Frame layout constants. The header is fixed-size; the payload
// follows immediately.
const (
	// headerLength is magic (2) + version (1) + kind (1) + flags (1) +
	// compression (1) + correlation ID (16) + payload length (4) +
	// uncompressed length (4).
	headerLength = 30

	// ProtocolVersion is the envelope format version. A receiver
	// rejects frames with any other version.
	ProtocolVersion = 1

	// MaxPayloadSize bounds both the on-wire and the decompressed
	// payload. 16 MB is generous for UI state; anything larger is a
	// protocol violation, not a big message.
	MaxPayloadSize = 16 * 1024 * 1024

	// CompressThreshold is the payload size above which Encode
	// applies compression. Small payloads (acks, pings, actions) are
	// cheaper to send raw.
	CompressThreshold = 4 * 1024
)

// magic identifies a Warden protocol frame. Catches endianness
// mistakes and accidental cross-protocol connections immediately.
var magic = [2]byte{'W', 'P'}

// flag bits.
const (
	// flagOneway marks fire-and-forget messages: the sender does not
	// wait for a reply and the receiver must not send one.
	flagOneway uint8 = 1 << 0
)

// Compression identifies the payload compression algorithm, carried
// in the frame header.
type Compression uint8

const (
	// CompressionNone sends the CBOR payload as-is.
	CompressionNone Compression = 0

	// CompressionLZ4 is the default for large payloads: block-mode
	// LZ4, fast enough to be free relative to socket I/O.
	CompressionLZ4 Compression = 1

	// CompressionZstd trades CPU for ratio. Used for text-heavy
	// payloads like exception submissions.
	CompressionZstd Compression = 2
)

// Envelope is the unit of cross-process communication: a kind tag, a
// caller-chosen correlation ID, and a CBOR payload. The correlation ID
// is echoed in replies so a caller can match asynchronous responses to
// pending requests; the transport may deliver replies out of call
// order under concurrent load.
type Envelope struct {
	Kind        Kind
	Correlation uuid.UUID

	// Oneway means no reply is expected or permitted. Ordering between
	// two oneway messages from the same sender to the same receiver is
	// preserved; nothing is guaranteed across senders.
	Oneway bool

	// Compression requests a payload compression algorithm for
	// Encode. Encode silently falls back to none below the size
	// threshold or when the payload is incompressible; Decode always
	// yields the raw CBOR payload regardless.
	Compression Compression

	// Payload is the CBOR-encoded payload matching Kind's schema.
	Payload []byte
}

// NewRequest builds a request envelope with a fresh correlation ID.
func NewRequest(kind Kind, payload any) (*Envelope, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Envelope{
		Kind:        kind,
		Correlation: uuid.New(),
		Compression: CompressionLZ4,
		Payload:     data,
	}, nil
}

// NewOneway builds a fire-and-forget envelope. It still carries a
// correlation ID for log correlation, but no reply may reference it.
func NewOneway(kind Kind, payload any) (*Envelope, error) {
	envelope, err := NewRequest(kind, payload)
	if err != nil {
		return nil, err
	}
	envelope.Oneway = true
	return envelope, nil
}

// NewReply builds a reply to request, echoing its correlation ID.
func NewReply(request *Envelope, kind Kind, payload any) (*Envelope, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Envelope{
		Kind:        kind,
		Correlation: request.Correlation,
		Compression: CompressionLZ4,
		Payload:     data,
	}, nil
}

// Encode writes the envelope as a single frame. The payload is
// compressed with the envelope's algorithm when it is large enough
// and actually shrinks; otherwise it is sent raw.
func (e *Envelope) Encode(w io.Writer) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("encoding envelope: invalid kind 0x%02x", uint8(e.Kind))
	}
	if len(e.Payload) > MaxPayloadSize {
		return fmt.Errorf("encoding %s envelope: payload %d bytes exceeds limit %d",
			e.Kind, len(e.Payload), MaxPayloadSize)
	}

	body := e.Payload
	compression := CompressionNone
	if e.Compression != CompressionNone && len(e.Payload) > CompressThreshold {
		compressed, err := compress(e.Payload, e.Compression)
		switch {
		case err == nil:
			body = compressed
			compression = e.Compression
		case errors.Is(err, errIncompressible):
			// Raw is smaller; send it.
		default:
			return fmt.Errorf("compressing %s payload: %w", e.Kind, err)
		}
	}

	var flags uint8
	if e.Oneway {
		flags |= flagOneway
	}

	header := make([]byte, headerLength)
	copy(header[0:2], magic[:])
	header[2] = ProtocolVersion
	header[3] = uint8(e.Kind)
	header[4] = flags
	header[5] = uint8(compression)
	copy(header[6:22], e.Correlation[:])
	binary.BigEndian.PutUint32(header[22:26], uint32(len(body)))
	binary.BigEndian.PutUint32(header[26:30], uint32(len(e.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing %s frame header: %w", e.Kind, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing %s frame payload: %w", e.Kind, err)
	}
	return nil
}

// Decode reads one frame from r. Every validation failure wraps
// ErrMalformedMessage; the caller never receives a partial envelope.
// An io.EOF at a frame boundary is returned as io.EOF so connection
// loops can distinguish clean close from mid-frame truncation.
func Decode(r io.Reader) (*Envelope, error) {
	header := make([]byte, headerLength)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated frame header: %v", ErrMalformedMessage, err)
	}

	if header[0] != magic[0] || header[1] != magic[1] {
		return nil, fmt.Errorf("%w: bad frame magic 0x%02x%02x", ErrMalformedMessage, header[0], header[1])
	}
	if header[2] != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedMessage, header[2])
	}

	kind := Kind(header[3])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown message kind 0x%02x", ErrMalformedMessage, header[3])
	}

	flags := header[4]
	compression := Compression(header[5])
	if compression > CompressionZstd {
		return nil, fmt.Errorf("%w: unknown compression 0x%02x", ErrMalformedMessage, header[5])
	}

	var correlation uuid.UUID
	copy(correlation[:], header[6:22])

	bodyLength := binary.BigEndian.Uint32(header[22:26])
	rawLength := binary.BigEndian.Uint32(header[26:30])
	if bodyLength > MaxPayloadSize || rawLength > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds limit %d",
			ErrMalformedMessage, max(bodyLength, rawLength), MaxPayloadSize)
	}
	if compression == CompressionNone && bodyLength != rawLength {
		return nil, fmt.Errorf("%w: uncompressed frame with mismatched lengths %d/%d",
			ErrMalformedMessage, bodyLength, rawLength)
	}

	body := make([]byte, bodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated frame payload: %v", ErrMalformedMessage, err)
	}

	payload := body
	if compression != CompressionNone {
		decompressed, err := decompress(body, compression, int(rawLength))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		payload = decompressed
	}

	return &Envelope{
		Kind:        kind,
		Correlation: correlation,
		Oneway:      flags&flagOneway != 0,
		Payload:     payload,
	}, nil
}
