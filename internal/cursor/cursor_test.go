package cursor

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestDecodeKeyCursor(t *testing.T) {
	tok := FromKey("6512bd43d9caa6e02c990b0a").Encode()
	c, err := Decode(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Kind != KindKey || c.Key != "6512bd43d9caa6e02c990b0a" {
		t.Fatalf("unexpected cursor %+v", c)
	}
}

func TestDecodeSkipCursor(t *testing.T) {
	c, err := Decode(FromSkip(1998).Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Kind != KindSkip || c.Skip != 1998 {
		t.Fatalf("unexpected cursor %+v", c)
	}
}

func TestDecodeEmpty(t *testing.T) {
	c, err := Decode("")
	if err != nil || c != nil {
		t.Fatalf("expected nil cursor, got %+v %v", c, err)
	}
}

func TestDecodeRejects(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	cases := map[string]string{
		"not base64":  "%%%",
		"not json":    enc("nope"),
		"version":     enc(`{"v":2,"kind":"key","key":"a"}`),
		"kind":        enc(`{"v":1,"kind":"offset"}`),
		"empty key":   enc(`{"v":1,"kind":"key"}`),
		"negative":    enc(`{"v":1,"kind":"skip","skip":-1}`),
		"missing ver": enc(`{"kind":"skip","skip":3}`),
	}
	for name, tok := range cases {
		if _, err := Decode(tok); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}
