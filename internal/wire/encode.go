// ABOUTME: JSON encoding helper that preserves non-ASCII and raw payload bytes.
// ABOUTME: Queue consumers on other runtimes expect unescaped UTF-8 text.

package wire

import (
	"bytes"
	"encoding/json"
)

// EncodeJSON marshals without HTML escaping, so text payloads cross the
// queue byte-identical to what other runtimes produce.
func EncodeJSON(v any) ([]byte, error) {
	return jsonEncodeNoEscape(v)
}

func jsonEncodeNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
