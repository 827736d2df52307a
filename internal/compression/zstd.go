package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// minCompressSize 以下的正文直接原样落盘，压缩收益不足以抵消帧头开销。
const minCompressSize = 128

// Compressor 负责缓存正文的 zstd 编解码；disabled 时为透传实现。
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// NewCompressor 按 level(1=fastest, 2=default, 3=better) 构造压缩器。
func NewCompressor(level int, enabled bool) (*Compressor, error) {
	if !enabled {
		return &Compressor{enabled: false}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Enabled 返回是否真正执行压缩。
func (c *Compressor) Enabled() bool {
	return c != nil && c.enabled
}

// Compress 返回待落盘的数据以及是否经过压缩；压缩后反而变大时保留原文。
func (c *Compressor) Compress(data []byte) ([]byte, bool) {
	if !c.Enabled() || len(data) < minCompressSize {
		return data, false
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

var (
	fallbackOnce    sync.Once
	fallbackDecoder *zstd.Decoder
	fallbackErr     error
)

// Decompress 还原 Compress 的输出，调用方需根据写入时记录的标记决定是否调用。
// 压缩关闭后仍需读取旧条目，此时使用共享的解码器。
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if c.Enabled() {
		return c.decoder.DecodeAll(data, nil)
	}
	fallbackOnce.Do(func() {
		fallbackDecoder, fallbackErr = zstd.NewReader(nil)
	})
	if fallbackErr != nil {
		return nil, fallbackErr
	}
	return fallbackDecoder.DecodeAll(data, nil)
}

func (c *Compressor) Close() error {
	if c == nil {
		return nil
	}
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
