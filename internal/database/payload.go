package database

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Webhook payloads can be large (full merge-request bodies with commit
// lists), so both backends store them zstd-compressed. The encoder and
// decoder are stateless for our use and shared process-wide.
var (
	payloadCodecOnce sync.Once
	payloadEncoder   *zstd.Encoder
	payloadDecoder   *zstd.Decoder
)

func payloadCodec() (*zstd.Encoder, *zstd.Decoder) {
	payloadCodecOnce.Do(func() {
		payloadEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		payloadDecoder, _ = zstd.NewReader(nil)
	})
	return payloadEncoder, payloadDecoder
}

func compressPayload(raw []byte) []byte {
	enc, _ := payloadCodec()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func decompressPayload(stored []byte) ([]byte, error) {
	_, dec := payloadCodec()
	raw, err := dec.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return raw, nil
}
