package codec

import (
	"errors"
	"testing"
)

type order struct {
	ID   int    `json:"id" msgpack:"id"`
	Item  string `json:"item" msgpack:"item"`
}

func TestRawRejectsStructs(t *testing.T) {
	if _, err := (Raw{}).Marshal(order{ID: 1}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	b, err := (Raw{}).Marshal("abc")
	if err != nil || string(b) != "abc" {
		t.Fatalf("raw string: %q %v", b, err)
	}
	var s string
	if err := (Raw{}).Unmarshal([]byte("xyz"), &s); err != nil || s != "xyz" {
		t.Fatalf("raw decode: %q %v", s, err)
	}
}

func TestStructuredCodecs(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%s): %v", name, err)
		}
		b, err := c.Marshal(order{ID: 7, Item: "tea"})
		if err != nil {
			t.Fatalf("%s marshal: %v", name, err)
		}
		var got order
		if err := c.Unmarshal(b, &got); err != nil || got.ID != 7 || got.Item != "tea" {
			t.Fatalf("%s unmarshal: %+v %v", name, got, err)
		}
	}
	if _, err := (JSON{}).Marshal(make(chan int)); err == nil {
		t.Fatalf("json should reject channels")
	}
}

func TestByNameUnknown(t *testing.T) {
	if _, err := ByName("xml"); err == nil {
		t.Fatalf("expected error")
	}
	if c, _ := ByName(""); c.Name() != "raw" {
		t.Fatalf("default codec should be raw")
	}
}
