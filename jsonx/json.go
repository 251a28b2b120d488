// Package jsonx is the JSON codec used for machine-readable CLI output.
package jsonx

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

// Map keys are sorted so reports of equal values are byte-identical.
var api = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}

// WriteIndented writes v to w as indented JSON followed by a newline.
func WriteIndented(w io.Writer, v interface{}) error {
	enc := api.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
