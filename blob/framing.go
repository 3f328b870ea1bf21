// Package blob provides quota-bounded binary storage with strict LRU
// eviction over a generic key-value store.
package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	offlinecache "github.com/gigbook/offline-cache"
)

var (
	// MagicBytes is the 4-byte prefix for framed blob values.
	MagicBytes = []byte("GBF1")

	// ErrInvalidMagic is returned when a value doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected GBF1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// encodingZstd marks a zstd-compressed body in the frame header.
	encodingZstd = "zstd"
)

// FrameHeader contains metadata for a cached file payload.
type FrameHeader struct {
	ContentType   string                `json:"content_type"`
	ContentLength int64                 `json:"content_length"`
	Checksum      offlinecache.Checksum `json:"checksum"`
	Encoding      string                `json:"encoding,omitempty"`
}

// Codec encodes and decodes framed blob values with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder         *zstd.Encoder
	decoder         *zstd.Decoder
	maxDecompressed int64
}

// NewCodec creates a codec. maxDecompressed is the hard cap applied during
// decompression to stop compression bombs.
func NewCodec(maxDecompressed int64) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{
		encoder:         encoder,
		decoder:         decoder,
		maxDecompressed: maxDecompressed,
	}, nil
}

// Encode frames a payload with its MIME type and BLAKE3 checksum.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODY
func (c *Codec) Encode(mime string, body []byte) ([]byte, error) {
	header := FrameHeader{
		ContentType:   mime,
		ContentLength: int64(len(body)),
		Checksum:      offlinecache.SumBytes(body),
	}

	framedBody := body
	if len(body) >= CompressionThreshold {
		compressed := c.encoder.EncodeAll(body, nil)
		// Only keep the compressed form when it actually saves space.
		if len(compressed) < len(body) {
			header.Encoding = encodingZstd
			framedBody = compressed
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(4 + 4 + len(headerBytes) + len(framedBody))
	buf.Write(MagicBytes)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return nil, fmt.Errorf("writing header length: %w", err)
	}
	buf.Write(headerBytes)
	buf.Write(framedBody)
	return buf.Bytes(), nil
}

// Decode parses a framed value, decompresses when needed and verifies the
// checksum. Returns offlinecache.ErrCorrupted on checksum mismatch.
func (c *Codec) Decode(data []byte) (*FrameHeader, []byte, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header FrameHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling header: %w", err)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}

	if header.Encoding == encodingZstd {
		if header.ContentLength > c.maxDecompressed {
			return nil, nil, fmt.Errorf("declared length %d exceeds decompression cap %d", header.ContentLength, c.maxDecompressed)
		}
		body, err = c.decoder.DecodeAll(body, make([]byte, 0, header.ContentLength))
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing body: %w", err)
		}
		if int64(len(body)) > c.maxDecompressed {
			return nil, nil, fmt.Errorf("decompressed body exceeds cap %d", c.maxDecompressed)
		}
	}

	if offlinecache.SumBytes(body) != header.Checksum {
		return nil, nil, offlinecache.ErrCorrupted
	}

	return &header, body, nil
}
