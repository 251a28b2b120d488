package common

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var ErrEmptyID = errors.New("empty id")

const shortIDLength = 16

// EncodeID renders a block or snapshot id in base58.
func EncodeID(id []byte) string {
	return base58.Encode(id)
}

// DecodeID parses a base58 id. An empty string is not an id.
func DecodeID(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyID
	}
	id, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode base58 id %q: %w", s, err)
	}
	return id, nil
}

// ShortID is the base58 id cut down to its ends, for log lines.
func ShortID(id []byte) string {
	s := EncodeID(id)
	if len(s) <= shortIDLength {
		return s
	}
	half := shortIDLength / 2
	return s[:half] + "..." + s[len(s)-half:]
}
