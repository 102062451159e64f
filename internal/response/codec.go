package response

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd is the content encoding of compressed payloads
const EncodingZstd = "zstd"

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil)
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// Encode marshals a notification to JSON and compresses it with zstd when it
// is larger than threshold bytes. A non-positive threshold disables
// compression. It returns the payload and its content encoding ("" for
// plain JSON).
func Encode(n *Notification, threshold int) ([]byte, string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal notification: %w", err)
	}
	if threshold <= 0 || len(data) <= threshold {
		return data, "", nil
	}
	return zstdEncoder().EncodeAll(data, make([]byte, 0, len(data)/2)), EncodingZstd, nil
}

// Decode reverses Encode
func Decode(payload []byte, encoding string) (*Notification, error) {
	switch encoding {
	case "":
	case EncodingZstd:
		plain, err := zstdDecoder().DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress notification: %w", err)
		}
		payload = plain
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &n, nil
}
