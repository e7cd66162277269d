package rpc

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the purpose of a frame.
type Kind uint8

// Frame kinds.
const (
	// KindHello announces that a peer is serving. Seq is 0 for the initial
	// hello and 1 for the echo sent in response.
	KindHello Kind = iota + 1

	// KindCall is a request expecting a KindReply with the same Seq.
	KindCall

	// KindReply answers a KindCall.
	KindReply

	// KindNotify is a one-way message.
	KindNotify

	// KindInvoke invokes a proxied callback identified by Handle.
	KindInvoke
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	case KindNotify:
		return "notify"
	case KindInvoke:
		return "invoke"
	default:
		return "unknown"
	}
}

// HandleRef is the opaque, transferable identity of a proxied callback.
type HandleRef string

// Frame is the unit of transfer between peers.
type Frame struct {
	Kind   Kind            `cbor:"1,keyasint"`
	Seq    uint64          `cbor:"2,keyasint,omitempty"`
	Method string          `cbor:"3,keyasint,omitempty"`
	Body   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Err    *RemoteError    `cbor:"5,keyasint,omitempty"`
	Handle HandleRef       `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode encodes a value for transfer. Values that cannot be cloned
// (functions, channels) fail with ErrNotClonable.
func Encode(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotClonable, err)
	}
	return data, nil
}

// Decode decodes a transferred value into v. Generic maps decode as
// map[string]any.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}

func encodeFrame(f *Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

func decodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rpc: invalid frame: %w", err)
	}
	return &f, nil
}
