package live

import "fmt"

// Codec defines the serialization contract for frames.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Name returns the codec identifier used for format negotiation.
	Name() string

	// Binary reports whether encoded frames are binary rather than text.
	Binary() bool
}

// Codec names for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns the codec named name. An empty name selects JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("live: unknown format %q", name)
	}
}
