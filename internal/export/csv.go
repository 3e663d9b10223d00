package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kalambet/opencoding/internal/storage"
)

// FailureModeSeparator joins failure modes inside one CSV cell.
const FailureModeSeparator = ";"

type csvEncoder struct {
	buf *bufio.Writer
	w   *csv.Writer
}

func newCSVEncoder(w io.Writer) *csvEncoder {
	buf := bufio.NewWriter(w)
	return &csvEncoder{buf: buf, w: csv.NewWriter(buf)}
}

func (e *csvEncoder) comments(lines []string) error {
	return writeComments(e.buf, lines)
}

func (e *csvEncoder) header(cols []column) error {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return e.w.Write(names)
}

func (e *csvEncoder) row(_ []column, values []any) error {
	rec := make([]string, len(values))
	for i, v := range values {
		rec[i] = csvCell(v)
	}
	if len(rec) == 0 || !strings.HasPrefix(rec[0], CommentPrefix) {
		return e.w.Write(rec)
	}
	return e.writeMarked(rec)
}

// writeMarked writes a record whose first cell starts with the comment
// marker. encoding/csv would leave that cell bare and readers would drop the
// line, so the first cell is quoted by hand.
func (e *csvEncoder) writeMarked(rec []string) error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return err
	}
	e.buf.WriteString(`"` + strings.ReplaceAll(rec[0], `"`, `""`) + `"`)
	if len(rec) == 1 {
		_, err := e.buf.WriteString("\n")
		return err
	}
	e.buf.WriteByte(',')
	rest := csv.NewWriter(e.buf)
	if err := rest.Write(rec[1:]); err != nil {
		return err
	}
	rest.Flush()
	return rest.Error()
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return err
	}
	return e.buf.Flush()
}

func csvCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case []string:
		return strings.Join(x, FailureModeSeparator)
	case storage.LabelValue:
		return x.String()
	}
	return fmt.Sprint(v)
}
