package blockclique

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// FrameCodec encodes protocol messages as zstd-compressed JSON frames with a size cap.
type FrameCodec struct {
	maxSize int
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFrameCodec returns a codec rejecting frames that decompress to more than maxSize bytes.
func NewFrameCodec(maxSize int) (*FrameCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &FrameCodec{maxSize: maxSize, encoder: encoder, decoder: decoder}, nil
}

// Encode returns the compressed frame of a message.
func (c *FrameCodec) Encode(msgType string, body interface{}) ([]byte, error) {
	msgJson, err := json.Marshal(Message{Type: msgType, Body: body})
	if err != nil {
		return nil, err
	}
	if len(msgJson) > c.maxSize {
		return nil, fmt.Errorf("%w: %s message is %d bytes, max: %d",
			ErrMsgTooLarge, msgType, len(msgJson), c.maxSize)
	}
	return c.encoder.EncodeAll(msgJson, nil), nil
}

// Decode decompresses a frame and returns its type and raw body.
func (c *FrameCodec) Decode(frame []byte) (string, json.RawMessage, error) {
	msgJson, err := c.decoder.DecodeAll(frame, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return "", nil, fmt.Errorf("%w: frame decompression stopped at %d bytes", ErrMsgTooLarge, c.maxSize)
	}
	if err != nil {
		return "", nil, err
	}
	if len(msgJson) > c.maxSize {
		return "", nil, fmt.Errorf("%w: frame decompresses to %d bytes, max: %d",
			ErrMsgTooLarge, len(msgJson), c.maxSize)
	}
	var msg rawMessage
	if err := json.Unmarshal(msgJson, &msg); err != nil {
		return "", nil, err
	}
	return msg.Type, msg.Body, nil
}

// Close releases the codec's resources.
func (c *FrameCodec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
