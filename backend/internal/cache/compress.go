package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// L2 值的首字节是编码标记
const (
	flagRaw      byte = 0
	flagZstd     byte = 1
	flagNegative byte = 2
)

var errCorruptValue = errors.New("cache: corrupt value")

type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// encode 超过阈值的值压缩后再写 L2
func (c *codec) encode(v []byte) (out []byte, compressed bool) {
	if c.threshold > 0 && len(v) > c.threshold {
		out = make([]byte, 1, len(v)/2+1)
		out[0] = flagZstd
		return c.enc.EncodeAll(v, out), true
	}
	out = make([]byte, 1+len(v))
	out[0] = flagRaw
	copy(out[1:], v)
	return out, false
}

func (c *codec) encodeNegative() []byte { return []byte{flagNegative} }

type decoded struct {
	value      []byte
	compressed bool
	negative   bool
}

func (c *codec) decode(b []byte) (decoded, error) {
	if len(b) == 0 {
		return decoded{}, errCorruptValue
	}
	switch b[0] {
	case flagRaw:
		return decoded{value: b[1:]}, nil
	case flagZstd:
		v, err := c.dec.DecodeAll(b[1:], nil)
		if err != nil {
			return decoded{}, fmt.Errorf("%w: %v", errCorruptValue, err)
		}
		return decoded{value: v, compressed: true}, nil
	case flagNegative:
		return decoded{negative: true}, nil
	default:
		return decoded{}, errCorruptValue
	}
}

func (c *codec) close() {
	c.dec.Close()
	_ = c.enc.Close()
}
