package live

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes frames as MessagePack binary.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }

func (MsgpackCodec) Binary() bool { return true }
