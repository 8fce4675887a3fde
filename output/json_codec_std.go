//go:build !jsonv2

package output

import (
	"encoding/json"
	"io"
)

// encodeRecord writes rec followed by a newline.
func encodeRecord(w io.Writer, rec record) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(rec)
}
