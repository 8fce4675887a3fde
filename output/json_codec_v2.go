//go:build jsonv2

package output

import (
	"encoding/json/jsontext"
	jsonv2 "encoding/json/v2"
	"io"
)

func encodeRecord(w io.Writer, rec record) error {
	if err := jsonv2.MarshalWrite(w, rec, jsontext.EscapeForHTML(false)); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
