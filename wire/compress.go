// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// errIncompressible signals that compression would not shrink the
// payload. Encode sends the raw bytes instead.
var errIncompressible = errors.New("payload is incompressible")

// zstd encoder and decoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte, algorithm Compression) ([]byte, error) {
	switch algorithm {
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm %d", algorithm)
	}
}

// decompress expands a compressed payload. rawLength must match the
// original payload length exactly — a mismatch is a protocol error.
func decompress(compressed []byte, algorithm Compression, rawLength int) ([]byte, error) {
	switch algorithm {
	case CompressionLZ4:
		destination := make([]byte, rawLength)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != rawLength {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawLength)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawLength))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != rawLength {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawLength)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm %d", algorithm)
	}
}
