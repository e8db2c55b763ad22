// Package codec holds the compression codecs and the binary record encoding
// used for everything written to the durable store.
package codec

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec compresses blobs before they cross the network to durable storage.
// Implementations are safe for concurrent use.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// maxDecodedSize bounds decompression so a corrupt entry cannot balloon memory.
const maxDecodedSize = 256 << 20

// ByName returns the codec registered under name. An empty name selects zstd.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return Zstd(), nil
	case "lz4":
		return LZ4(), nil
	default:
		return nil, errors.Errorf("codec: unknown compression %q", name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll/DecodeAll, so one pair serves the whole process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

type zstdCodec struct{}

// Zstd returns the default codec.
func Zstd() Codec { return zstdCodec{} }

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}

type lz4Codec struct{}

// LZ4 returns a faster, lower-ratio codec using the LZ4 frame format.
func LZ4() Codec { return lz4Codec{} }

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	if len(out) > maxDecodedSize {
		return nil, errors.New("lz4 decompress: payload too large")
	}
	return out, nil
}
