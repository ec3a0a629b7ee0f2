package kcoord

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionCodec selects how record values are compressed before being
// appended, mirroring Kafka's per-batch compression codec choice. Group and
// transaction metadata values can grow large (many members, many committed
// offsets, many participating partitions); compressing them keeps the
// underlying log's segment size assumptions valid.
type CompressionCodec int8

const (
	CompressionNone CompressionCodec = iota
	CompressionZstd
	CompressionLZ4
)

func (c CompressionCodec) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// compressValue compresses b per codec. It is only ever applied to the
// value half of a record; keys are never compressed (the codec needs them
// legible for routing and tombstone detection without a decompress pass).
func compressValue(codec CompressionCodec, b []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return b, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("kcoord: new zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(b, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("kcoord: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("kcoord: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("kcoord: unknown compression codec %d", codec)
	}
}

// decompressValue reverses compressValue. The codec used to encode a record
// is not self-describing on the wire here: spec.md treats the codec as a
// manager-wide construction-time choice, not a per-record tag, so the
// loader must be told which codec wrote the partition it is draining.
func decompressValue(codec CompressionCodec, b []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return b, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("kcoord: new zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("kcoord: zstd decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(b))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("kcoord: lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("kcoord: unknown compression codec %d", codec)
	}
}
