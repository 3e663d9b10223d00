package export

import (
	"bufio"
	"encoding/json"
	"io"
)

type jsonlEncoder struct {
	w *bufio.Writer
}

func newJSONLEncoder(w io.Writer) *jsonlEncoder {
	return &jsonlEncoder{w: bufio.NewWriter(w)}
}

func (e *jsonlEncoder) comments(lines []string) error {
	return writeComments(e.w, lines)
}

func (e *jsonlEncoder) header([]column) error { return nil }

// row writes one object with keys in column order.
func (e *jsonlEncoder) row(cols []column, values []any) error {
	e.w.WriteByte('{')
	for i, c := range cols {
		if i > 0 {
			e.w.WriteByte(',')
		}
		key, err := json.Marshal(c.name)
		if err != nil {
			return err
		}
		val, err := json.Marshal(values[i])
		if err != nil {
			return err
		}
		e.w.Write(key)
		e.w.WriteByte(':')
		e.w.Write(val)
	}
	e.w.WriteByte('}')
	_, err := e.w.WriteString("\n")
	return err
}

func (e *jsonlEncoder) flush() error {
	return e.w.Flush()
}
