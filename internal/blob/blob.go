// Package blob decodes the opaque binary payloads the host application
// embeds in contact rows. The payload schema is not published and varies
// between client versions, so it is treated as a best-effort protobuf
// field tree: callers pattern-match on known field numbers and must
// tolerate unknown or missing fields.
package blob

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Value is one decoded field occurrence.
type Value struct {
	// Bytes is set for length-delimited fields.
	Bytes []byte
	// Uint is set for varint and fixed-width fields.
	Uint uint64
	// Tree is non-nil when Bytes itself parses as a nested message.
	Tree Tree
}

// Tree maps field numbers to the values seen for them, in order of
// appearance.
type Tree map[int32][]Value

// Parse decodes raw as a protobuf wire-format message. It fails on
// malformed input rather than guessing; callers fall back to plain
// columns when a row's payload does not decode.
func Parse(raw []byte) (Tree, error) {
	t := Tree{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		var v Value
		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.Uint = u
			b = b[n:]
		case protowire.Fixed32Type:
			u, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.Uint = uint64(u)
			b = b[n:]
		case protowire.Fixed64Type:
			u, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.Uint = u
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v.Bytes = raw
			if sub, err := Parse(raw); err == nil && len(sub) > 0 {
				v.Tree = sub
			}
			b = b[n:]
		default:
			return nil, fmt.Errorf("unsupported wire type %d for field %d", typ, num)
		}
		t[int32(num)] = append(t[int32(num)], v)
	}
	return t, nil
}

// String returns the first occurrence of field num as a UTF-8 string.
func (t Tree) String(num int32) (string, bool) {
	vs := t[num]
	if len(vs) == 0 || vs[0].Bytes == nil || !utf8.Valid(vs[0].Bytes) {
		return "", false
	}
	return string(vs[0].Bytes), true
}

// Uint returns the first occurrence of field num as an unsigned integer.
func (t Tree) Uint(num int32) (uint64, bool) {
	vs := t[num]
	if len(vs) == 0 || vs[0].Bytes != nil {
		return 0, false
	}
	return vs[0].Uint, true
}
