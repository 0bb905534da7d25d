package weave

import (
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// maxImageSize bounds the decoded payload of an image.
const maxImageSize = 1 << 30

// compressImage compresses an image payload with zstd, appending to dst.
func compressImage(dst, data []byte) []byte {
	encOpts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	}
	if len(data) > 1024*1024*64 { // large images encode concurrently
		encOpts = append(encOpts, zstd.WithEncoderConcurrency(max(1, runtime.NumCPU()/2)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		panic(err) // only fails on invalid options
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, dst)
}

// decompressImage reverses compressImage, appending to dst.
func decompressImage(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxImageSize))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, dst)
}

// compressSymbols compresses a symbol payload in the snappy compatible s2 encoding, appending to
// dst.
func compressSymbols(dst, data []byte) []byte {
	return append(dst, s2.EncodeSnappyBest(nil, data)...)
}

// decompressSymbols reverses compressSymbols. dst is reused when large enough.
func decompressSymbols(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}
