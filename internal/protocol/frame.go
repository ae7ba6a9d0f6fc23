package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when a transmission is not a JSON array
	// of envelope objects.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMalformedEnvelope is returned when an envelope has no usable m field
	// or its body does not match its type.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownType is returned by Decode for envelope types the server does
	// not handle. Callers ignore these.
	ErrUnknownType = errors.New("unknown envelope type")
)

// ParseFrame splits one transmission into raw envelopes. A bare object is
// accepted as a one-element frame.
func ParseFrame(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	switch data[0] {
	case '[':
		var envs []json.RawMessage
		if err := json.Unmarshal(data, &envs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return envs, nil
	case '{':
		return []json.RawMessage{json.RawMessage(data)}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrMalformedFrame, data[0])
	}
}

// EncodeFrame marshals envelopes into one transmission. A single message is
// still wrapped in an array.
func EncodeFrame(msgs ...any) ([]byte, error) {
	if msgs == nil {
		msgs = []any{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// PeekType returns the m discriminant of a raw envelope.
func PeekType(raw json.RawMessage) (string, error) {
	var head struct {
		M *string `json:"m"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if head.M == nil || *head.M == "" {
		return "", fmt.Errorf("%w: missing m", ErrMalformedEnvelope)
	}
	return *head.M, nil
}

// Decode turns one raw client envelope into its typed form.
func Decode(raw json.RawMessage) (Inbound, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}

	var in Inbound
	switch typ {
	case TypeHi:
		in, err = decodeAs[Hi](raw)
	case TypeTime:
		in, err = decodeAs[TimeSync](raw)
	case TypeChannel:
		in, err = decodeAs[ChangeRoom](raw)
	case TypeChannelSet:
		in, err = decodeAs[SetRoom](raw)
	case TypeChat:
		in, err = decodeAs[Chat](raw)
	case TypeNotes:
		in, err = decodeAs[Notes](raw)
	case TypeMouse:
		in, err = decodeAs[Mouse](raw)
	case TypeListSubscribe:
		in = ListSubscribe{}
	case TypeListUnsubscribe:
		in = ListUnsubscribe{}
	case TypeUserSet:
		in, err = decodeAs[UserSet](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, typ, err)
	}
	return in, nil
}

func decodeAs[T Inbound](raw json.RawMessage) (Inbound, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Tag marshals a client envelope with its m discriminant, ready for
// EncodeFrame.
func Tag(in Inbound) (json.RawMessage, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", in.Type(), err)
	}
	typ, _ := json.Marshal(in.Type())

	var b bytes.Buffer
	b.Grow(len(body) + len(typ) + 8)
	b.WriteString(`{"m":`)
	b.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		b.WriteByte(',')
		b.Write(inner)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
