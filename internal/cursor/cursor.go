// Package cursor encodes the opaque pagination tokens handed to callers.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only token layout understood by Decode.
const Version = 1

const (
	KindSkip = "skip"
	KindKey  = "key"
)

// ErrInvalid is returned for malformed, unknown-version or unknown-kind tokens.
var ErrInvalid = errors.New("invalid cursor")

// Cursor is the decoded form of a page token. Skip is an offset into the
// result set; Key is the last internal id already returned.
type Cursor struct {
	Version int    `json:"v"`
	Kind    string `json:"kind"`
	Skip    int64  `json:"skip,omitempty"`
	Key     string `json:"key,omitempty"`
}

// FromKey builds a keyset cursor.
func FromKey(key string) Cursor {
	return Cursor{Version: Version, Kind: KindKey, Key: key}
}

// FromSkip builds an offset cursor.
func FromSkip(skip int64) Cursor {
	return Cursor{Version: Version, Kind: KindSkip, Skip: skip}
}

// Encode returns the opaque token for c.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token. An empty token yields (nil, nil).
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrInvalid, c.Version)
	}
	switch c.Kind {
	case KindKey:
		if c.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalid)
		}
	case KindSkip:
		if c.Skip < 0 {
			return nil, fmt.Errorf("%w: negative skip", ErrInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalid, c.Kind)
	}
	return &c, nil
}
