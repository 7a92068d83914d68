// Package jsonx provides JSON serialization using Sonic. Canonical output
// (sorted map keys, no HTML escaping) is used wherever bytes are compared:
// destination snapshots and write fingerprints.
package jsonx

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	config = sonic.Config{
		EscapeHTML: false,
		UseInt64:   true,
	}.Froze()

	canonical = sonic.Config{
		EscapeHTML:  false,
		UseInt64:    true,
		SortMapKeys: true,
	}.Froze()
)

// Marshal returns the JSON encoding of v
func Marshal(v interface{}) ([]byte, error) {
	return config.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result in v
func Unmarshal(data []byte, v interface{}) error {
	return config.Unmarshal(data, v)
}

// Canonical encodes v with map keys sorted, so equal values always
// produce equal bytes.
func Canonical(v interface{}) ([]byte, error) {
	return canonical.Marshal(v)
}

// MarshalIndent is Canonical with indentation, for operator-facing output
func MarshalIndent(v interface{}) ([]byte, error) {
	return canonical.MarshalIndent(v, "", "  ")
}

// Encoder writes one canonical JSON value per line
type Encoder struct {
	writer io.Writer
	indent bool
}

// NewEncoder returns a new encoder that writes to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// SetIndent switches the encoder to indented output
func (e *Encoder) SetIndent(on bool) {
	e.indent = on
}

// Encode writes the JSON encoding of v followed by a newline
func (e *Encoder) Encode(v interface{}) error {
	var (
		data []byte
		err  error
	)
	if e.indent {
		data, err = MarshalIndent(v)
	} else {
		data, err = Canonical(v)
	}
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.writer.Write(data)
	return err
}
