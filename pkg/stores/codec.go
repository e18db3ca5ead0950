package stores

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("stores: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("stores: zstd decoder initialization failed: " + err.Error())
	}
}

// ScriptDigest returns the hex BLAKE3 digest of a script. Executions of the
// same script share a digest.
func ScriptDigest(script string) string {
	sum := blake3.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

func compressScript(script string) []byte {
	return zstdEncoder.EncodeAll([]byte(script), nil)
}

func decompressScript(data []byte, size int) (string, error) {
	if size == 0 {
		return "", nil
	}
	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return "", fmt.Errorf("failed to decompress script: %w", err)
	}
	if len(out) != size {
		return "", fmt.Errorf("decompressed script is %d bytes, expected %d", len(out), size)
	}
	return string(out), nil
}
