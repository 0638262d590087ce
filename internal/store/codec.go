package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects how payload blobs are compressed.
type Codec uint8

const (
	// CodecNone stores payloads as is.
	CodecNone Codec = 0
	// CodecZstd compresses payloads with zstd.
	CodecZstd Codec = 1
	// CodecLZ4 compresses payloads with lz4 block compression.
	CodecLZ4 Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown payload codec %q", name)
	}
}

// Payload format: [codec uint8][uncompressed size uint32][data...]
const payloadHeaderSize = 5

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// encodePayload compresses data with c. Empty payloads are stored as NULL.
func encodePayload(c Codec, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var body []byte
	switch c {
	case CodecNone:
		body = data
	case CodecZstd:
		enc := getZstdEncoder()
		body = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible.
			c, body = CodecNone, data
		} else {
			body = buf[:n]
		}
	default:
		return nil, fmt.Errorf("encode payload: unknown codec %d", c)
	}

	out := make([]byte, payloadHeaderSize+len(body))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[payloadHeaderSize:], body)
	return out, nil
}

// decodePayload reverses encodePayload.
func decodePayload(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) < payloadHeaderSize {
		return nil, errors.New("payload too small for header")
	}

	c := Codec(blob[0])
	size := binary.LittleEndian.Uint32(blob[1:])
	body := blob[payloadHeaderSize:]

	var out []byte
	switch c {
	case CodecNone:
		out = append([]byte(nil), body...)
	case CodecZstd:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(body, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		out = decoded
	case CodecLZ4:
		out = make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = out[:n]
	default:
		return nil, fmt.Errorf("decode payload: unknown codec %d", c)
	}

	if uint32(len(out)) != size {
		return nil, fmt.Errorf("payload size mismatch: got %d, header says %d", len(out), size)
	}
	return out, nil
}
