package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrDecode matches every error returned by Decode.
	ErrDecode             = errors.New("wire: decode failed")
	ErrUnknownTag         = errors.New("unknown message tag")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMalformedPayload   = errors.New("malformed payload")
)

type DecodeError struct {
	Tag Tag
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("wire: decode failed: %v", e.Err)
	}
	return fmt.Sprintf("wire: decode %s failed: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// payload field numbers
const (
	fieldStateVector protowire.Number = 1
	fieldDelta       protowire.Number = 1

	fieldUser protowire.Number = 1

	fieldUserName   protowire.Number = 1
	fieldUserStyle  protowire.Number = 2
	fieldUserCursor protowire.Number = 3
	fieldUserActive protowire.Number = 4

	fieldFrom protowire.Number = 1
	fieldTo   protowire.Number = 2

	fieldActive protowire.Number = 1
)

// Encode serialises m into a frame.
func Encode(m Message) ([]byte, error) {
	b := []byte{Version}
	b = protowire.AppendVarint(b, uint64(m.Tag()))
	switch v := m.(type) {
	case Ping, Pong, ReadyRequest, ReadyAnswer, PresenceRequest, MetadataUpdated, DocumentDeleted, ServerVersionUpdated:
	case StateRequest:
		b = appendBytesField(b, fieldStateVector, v.StateVector)
	case StateUpdate:
		b = appendBytesField(b, fieldDelta, v.Delta)
	case PresenceSet:
		for _, u := range v.Users {
			b = protowire.AppendTag(b, fieldUser, protowire.BytesType)
			b = protowire.AppendBytes(b, appendUser(nil, u))
		}
	case PresenceUpdate:
		b = appendCursor(b, v.Cursor)
	case PresenceActivity:
		b = protowire.AppendTag(b, fieldActive, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.Active))
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", m)
	}
	return b, nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: empty frame", ErrMalformedPayload)}
	}
	if frame[0] != Version {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, frame[0])}
	}
	raw, n := protowire.ConsumeVarint(frame[1:])
	if n < 0 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))}
	}
	tag := Tag(raw)
	payload := frame[1+n:]

	m, err := decodePayload(tag, payload)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Err: err}
	}
	return m, nil
}

func decodePayload(tag Tag, payload []byte) (Message, error) {
	switch tag {
	case TagPing:
		return Ping{}, skipAll(payload)
	case TagPong:
		return Pong{}, skipAll(payload)
	case TagReadyRequest:
		return ReadyRequest{}, skipAll(payload)
	case TagReadyAnswer:
		return ReadyAnswer{}, skipAll(payload)
	case TagPresenceRequest:
		return PresenceRequest{}, skipAll(payload)
	case TagMetadataUpdated:
		return MetadataUpdated{}, skipAll(payload)
	case TagDocumentDeleted:
		return DocumentDeleted{}, skipAll(payload)
	case TagServerVersionUpdated:
		return ServerVersionUpdated{}, skipAll(payload)
	case TagStateRequest:
		var m StateRequest
		err := eachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == fieldStateVector && typ == protowire.BytesType {
				v, n := consumeBytes(b)
				m.StateVector = v
				return n, nil
			}
			return 0, errSkipField
		})
		return m, err
	case TagStateUpdate:
		var m StateUpdate
		err := eachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == fieldDelta && typ == protowire.BytesType {
				v, n := consumeBytes(b)
				m.Delta = v
				return n, nil
			}
			return 0, errSkipField
		})
		return m, err
	case TagPresenceSet:
		var m PresenceSet
		err := eachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == fieldUser && typ == protowire.BytesType {
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n, nil
				}
				u, err := decodeUser(v)
				if err != nil {
					return 0, err
				}
				m.Users = append(m.Users, u)
				return n, nil
			}
			return 0, errSkipField
		})
		return m, err
	case TagPresenceUpdate:
		c, err := decodeCursor(payload)
		return PresenceUpdate{Cursor: c}, err
	case TagPresenceActivity:
		var m PresenceActivity
		err := eachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == fieldActive && typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				m.Active = protowire.DecodeBool(v)
				return n, nil
			}
			return 0, errSkipField
		})
		return m, err
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint64(tag))
	}
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendIntField(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendCursor(b []byte, c Cursor) []byte {
	b = appendIntField(b, fieldFrom, c.From)
	return appendIntField(b, fieldTo, c.To)
}

func appendUser(b []byte, u PresenceUser) []byte {
	b = protowire.AppendTag(b, fieldUserName, protowire.BytesType)
	b = protowire.AppendString(b, u.DisplayName)
	b = appendIntField(b, fieldUserStyle, u.StyleIndex)
	if u.Cursor != nil {
		b = appendBytesField(b, fieldUserCursor, appendCursor(nil, *u.Cursor))
	}
	b = protowire.AppendTag(b, fieldUserActive, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(u.Active))
}

func decodeUser(payload []byte) (PresenceUser, error) {
	var u PresenceUser
	err := eachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldUserName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			u.DisplayName = v
			return n, nil
		case num == fieldUserStyle && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.StyleIndex = int(protowire.DecodeZigZag(v))
			return n, nil
		case num == fieldUserCursor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			c, err := decodeCursor(v)
			if err != nil {
				return 0, err
			}
			u.Cursor = &c
			return n, nil
		case num == fieldUserActive && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Active = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, errSkipField
	})
	return u, err
}

func decodeCursor(payload []byte) (Cursor, error) {
	var c Cursor
	err := eachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType || (num != fieldFrom && num != fieldTo) {
			return 0, errSkipField
		}
		v, n := protowire.ConsumeVarint(b)
		if num == fieldFrom {
			c.From = int(protowire.DecodeZigZag(v))
		} else {
			c.To = int(protowire.DecodeZigZag(v))
		}
		return n, nil
	})
	return c, err
}

// consumeBytes copies the value so a decoded message never aliases the frame buffer.
func consumeBytes(b []byte) ([]byte, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	return append([]byte{}, v...), n
}

var errSkipField = errors.New("skip field")

// eachField walks the fields of payload. fn returns the number of value bytes it consumed or a negative protowire
// error code; returning errSkipField skips the field as unknown.
func eachField(payload []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		payload = payload[n:]
		used, err := fn(num, typ, payload)
		if errors.Is(err, errSkipField) {
			used = protowire.ConsumeFieldValue(num, typ, payload)
		} else if err != nil {
			return err
		}
		if used < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(used))
		}
		payload = payload[used:]
	}
	return nil
}

func skipAll(payload []byte) error {
	return eachField(payload, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return 0, errSkipField
	})
}
