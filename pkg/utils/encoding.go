// Package utils provides serialization utilities for cache payloads.
//
// This file implements payload compression for durable backends.
// Payloads are canonical JSON (see models.EncodeCollection); on disk they are
// zstd frames. Small payloads are stored raw because the frame header would
// outweigh any savings.
//
// Trade-offs:
//   - zstd: better ratio than gzip at similar speed, decoder is reusable
//   - Encoder/decoder are shared and safe for concurrent EncodeAll/DecodeAll
package utils

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the smallest payload worth compressing.
const compressThreshold = 512

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
}

// CompressPayload returns the stored form of a payload.
func CompressPayload(payload []byte) ([]byte, error) {
	if len(payload) < compressThreshold {
		return payload, nil
	}
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("zstd init: %w", codecErr)
	}
	return encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
}

// DecompressPayload reverses CompressPayload. Raw payloads pass through.
func DecompressPayload(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, zstdMagic) {
		return stored, nil
	}
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("zstd init: %w", codecErr)
	}
	out, err := decoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}
