package flow

import (
	"bytes"
	"encoding/json"
)

// JsonCodec is the default payload codec of channel proxies.
type JsonCodec[Msg any] struct {
	// DisallowUnknownFields makes Unmarshal strict.
	DisallowUnknownFields bool
}

var _ Codec[struct{}] = JsonCodec[struct{}]{}

func NewJsonCodec[Msg any]() JsonCodec[Msg] {
	return JsonCodec[Msg]{}
}

func (c JsonCodec[Msg]) Marshal(msg Msg) ([]byte, error) {
	return json.Marshal(msg)
}

func (c JsonCodec[Msg]) Unmarshal(buf []byte) (result Msg, err error) {
	if !c.DisallowUnknownFields {
		err = json.Unmarshal(buf, &result)
		return
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	err = dec.Decode(&result)
	return
}
