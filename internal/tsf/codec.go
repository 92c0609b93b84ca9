package tsf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// maxDecoderMemory caps the zstd window and any single frame.
const maxDecoderMemory = 64 << 20

var (
	decoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecoderMemory),
			zstd.WithDecodeAllCapLimit(true),
		)
	})
	encoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
)

// MaxStoredSize returns the largest stored payload accepted for a payload
// of at most n decoded bytes.
func MaxStoredSize(n uint64) uint64 {
	return n + n>>7 + 1024
}

// Encode compresses a payload. None returns src unchanged.
func Encode(c Compression, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Zstd:
		enc, err := encoder()
		if err != nil {
			return nil, fmt.Errorf("tsf: zstd encoder: %w", err)
		}
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("tsf: unknown compression %d", c)
	}
}

// Decode decompresses a payload of at most limit decoded bytes. None
// returns src unchanged. Payloads that decode past limit fail with
// ErrTooLarge before the excess is allocated. Decode is safe for
// concurrent use.
func Decode(c Compression, src []byte, limit int) ([]byte, error) {
	switch c {
	case None:
		if len(src) > limit {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(src), limit)
		}
		return src, nil
	case Zstd:
		dec, err := decoder()
		if err != nil {
			return nil, fmt.Errorf("tsf: zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(src, make([]byte, 0, limit))
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, fmt.Errorf("%w: limit %d: %w", ErrTooLarge, limit, err)
			}
			return nil, fmt.Errorf("tsf: zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tsf: unknown compression %d", c)
	}
}
