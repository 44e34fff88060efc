package container

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encode compresses data with the given codec. CompressionBZ2 always
// returns ErrUnsupportedCodec (see DESIGN.md: no bzip2 encoder exists in
// the retrieved dependency corpus).
func Encode(codec Compression, data []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil
	case CompressionDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return s2.EncodeSnappy(nil, data), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionBZ2:
		return nil, ErrUnsupportedCodec
	default:
		return nil, fmt.Errorf("container: unknown codec %d", codec)
	}
}

// DecodePayload decompresses data encoded with the given codec.
func DecodePayload(codec Compression, data []byte, rawLen uint32) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil
	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		out := make([]byte, 0, rawLen)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return s2.Decode(nil, data)
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out := make([]byte, 0, rawLen)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, make([]byte, 0, rawLen))
	case CompressionBZ2:
		return nil, ErrUnsupportedCodec
	default:
		return nil, fmt.Errorf("container: unknown codec %d", codec)
	}
}
