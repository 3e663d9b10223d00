package rubric

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// headerNames are accepted as the identifier column of a rubric CSV.
var headerNames = []string{"failure_mode", "failure_modes", "id", "identifier", "name"}

// ParseFile reads failure-mode identifiers from a rubric file. The format is
// chosen by extension: .csv, .json, .yaml/.yml, anything else is one
// identifier per line with '#' comments. The result is not validated; pass it
// to Registry.Import.
func ParseFile(name string, r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading rubric file: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return parseCSV(data)
	case ".json":
		return parseStructured(func(v any) error { return json.Unmarshal(data, v) })
	case ".yaml", ".yml":
		return parseStructured(func(v any) error { return yaml.Unmarshal(data, v) })
	default:
		return parseLines(data)
	}
}

func parseCSV(data []byte) ([]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, &InvalidRubricError{Reason: fmt.Sprintf("unreadable CSV: %v", err)}
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := 0
	start := 0
	for i, h := range records[0] {
		if matchesHeader(h) {
			col, start = i, 1
			break
		}
	}

	var out []string
	for _, rec := range records[start:] {
		if col < len(rec) && strings.TrimSpace(rec[col]) != "" {
			out = append(out, rec[col])
		}
	}
	return out, nil
}

func matchesHeader(h string) bool {
	h = strings.ToLower(strings.TrimSpace(h))
	for _, name := range headerNames {
		if h == name {
			return true
		}
	}
	return false
}

// entry accepts either a bare identifier or an object carrying one.
type entry struct {
	ID string
}

func (e *entry) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &e.ID); err == nil {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = idFromMap(obj)
	return nil
}

func (e *entry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		return n.Decode(&e.ID)
	}
	var obj map[string]any
	if err := n.Decode(&obj); err != nil {
		return err
	}
	e.ID = idFromMap(obj)
	return nil
}

func idFromMap(obj map[string]any) string {
	for _, k := range headerNames {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}

type document struct {
	FailureModes []entry `json:"failure_modes" yaml:"failure_modes"`
}

func parseStructured(decode func(any) error) ([]string, error) {
	var list []entry
	if err := decode(&list); err != nil {
		var doc document
		if err2 := decode(&doc); err2 != nil {
			return nil, &InvalidRubricError{Reason: fmt.Sprintf("unreadable rubric document: %v", err2)}
		}
		list = doc.FailureModes
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out, nil
}

func parseLines(data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading rubric lines: %w", err)
	}
	return out, nil
}
