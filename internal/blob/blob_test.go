package blob

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseFlatFields(t *testing.T) {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendString(raw, "张三")
	raw = protowire.AppendTag(raw, 2, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 7)

	tree, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if s, ok := tree.String(1); !ok || s != "张三" {
		t.Errorf("String(1) = %q, %v", s, ok)
	}
	if u, ok := tree.Uint(2); !ok || u != 7 {
		t.Errorf("Uint(2) = %d, %v", u, ok)
	}
	if _, ok := tree.String(3); ok {
		t.Error("String(3) should be absent")
	}
}

func TestParseNestedMessage(t *testing.T) {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.BytesType)
	inner = protowire.AppendString(inner, "alias")

	var raw []byte
	raw = protowire.AppendTag(raw, 5, protowire.BytesType)
	raw = protowire.AppendBytes(raw, inner)

	tree, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	vs := tree[5]
	if len(vs) != 1 || vs[0].Tree == nil {
		t.Fatalf("field 5 should carry a nested tree, got %+v", vs)
	}
	if s, ok := vs[0].Tree.String(1); !ok || s != "alias" {
		t.Errorf("nested String(1) = %q, %v", s, ok)
	}
}

func TestParseRepeatedField(t *testing.T) {
	var raw []byte
	raw = protowire.AppendTag(raw, 4, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 1)
	raw = protowire.AppendTag(raw, 4, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 2)

	tree, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree[4]) != 2 {
		t.Errorf("field 4 occurrences = %d, want 2", len(tree[4]))
	}
}

func TestParseMalformed(t *testing.T) {
	cases := [][]byte{
		{0x0a},             // bytes tag with no length
		{0x08},             // varint tag with no value
		{0xff, 0xff, 0xff}, // nonsense tag
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%x) should fail", raw)
		}
	}
}
