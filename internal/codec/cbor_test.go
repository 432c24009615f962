package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()

	v := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs: %x vs %x", i, again, first)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	type wide struct {
		A int `cbor:"1,keyasint"`
		B int `cbor:"2,keyasint"`
	}
	type narrow struct {
		A int `cbor:"1,keyasint"`
	}
	data, err := Marshal(wide{A: 7, B: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got narrow
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.A != 7 {
		t.Errorf("A = %d, want 7", got.A)
	}
}
