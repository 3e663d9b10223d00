package csvimport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kalambet/opencoding/internal/storage"
)

// columns maps canonical column names onto record positions.
type columns struct {
	width    int
	index    map[string]int
	metadata map[int]string
}

func mapHeader(header []string) (*columns, error) {
	names := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(h)
		present[names[i]] = true
	}

	c := &columns{width: len(header), index: map[string]int{}, metadata: map[int]string{}}
	for i, name := range names {
		if canon, ok := headerAliases[name]; ok && !present[canon] {
			name = canon
		}
		if _, dup := c.index[name]; dup || name == "" {
			continue
		}
		c.index[name] = i
	}

	var missing []string
	for _, req := range RequiredColumns {
		if _, ok := c.index[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Missing: missing}
	}

	core := make(map[int]bool)
	for _, req := range RequiredColumns {
		core[c.index[req]] = true
	}
	if i, ok := c.index[ToolCallsColumn]; ok {
		core[i] = true
	}
	taken := make(map[string]bool)
	for i, name := range names {
		if core[i] || name == "" || taken[name] {
			continue
		}
		taken[name] = true
		c.metadata[i] = name
	}
	return c, nil
}

// row is a validated record waiting to be stored.
type row struct {
	line  int
	trace storage.Trace
}

func (c *columns) get(rec []string, name string) string {
	return rec[c.index[name]]
}

// parse validates one record and converts it into a trace. Every problem in
// the record is reported.
func (c *columns) parse(rec []string, line int) (*row, []RowError) {
	if len(rec) != c.width {
		return nil, []RowError{{Row: line, Message: fmt.Sprintf("expected %d fields, got %d", c.width, len(rec))}}
	}

	var errs []RowError
	fail := func(col, format string, args ...any) {
		errs = append(errs, RowError{Row: line, Column: col, Message: fmt.Sprintf(format, args...)})
	}

	t := storage.Trace{
		TraceID:     strings.TrimSpace(c.get(rec, "trace_id")),
		FlowSession: strings.TrimSpace(c.get(rec, "flow_session")),
		UserMessage: c.get(rec, "user_message"),
		AIResponse:  c.get(rec, "ai_response"),
	}
	if t.TraceID == "" {
		fail("trace_id", "trace_id is required")
	}

	turn, turnErr := positiveInt(c.get(rec, "turn_number"))
	if turnErr != "" {
		fail("turn_number", "turn_number %s", turnErr)
	}
	total, totalErr := positiveInt(c.get(rec, "total_turns"))
	if totalErr != "" {
		fail("total_turns", "total_turns %s", totalErr)
	}
	if turnErr == "" && totalErr == "" && turn > total {
		fail("turn_number", "turn_number %d exceeds total_turns %d", turn, total)
	}
	t.TurnNumber, t.TotalTurns = turn, total

	if strings.TrimSpace(t.UserMessage) == "" {
		fail("user_message", "user_message is required")
	}
	if strings.TrimSpace(t.AIResponse) == "" {
		fail("ai_response", "ai_response is required")
	}

	t.ToolCalls = []storage.ToolCall{}
	if i, ok := c.index[ToolCallsColumn]; ok {
		if raw := strings.TrimSpace(rec[i]); raw != "" {
			calls, msg := parseToolCalls(raw)
			if msg != "" {
				fail(ToolCallsColumn, "%s", msg)
			}
			t.ToolCalls = calls
		}
	}

	if len(c.metadata) > 0 {
		t.Metadata = make(map[string]string, len(c.metadata))
		for i, name := range c.metadata {
			t.Metadata[name] = rec[i]
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &row{line: line, trace: t}, nil
}

func positiveInt(s string) (int, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "is required"
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Sprintf("must be an integer, got %q", s)
	}
	if n < 1 {
		return 0, fmt.Sprintf("must be positive, got %d", n)
	}
	return n, ""
}

func parseToolCalls(raw string) ([]storage.ToolCall, string) {
	var calls []storage.ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil, fmt.Sprintf("tool_calls must be a JSON array of tool calls: %v", err)
	}
	for i := range calls {
		if strings.TrimSpace(calls[i].FunctionName) == "" {
			return nil, fmt.Sprintf("tool_calls[%d] is missing function_name", i)
		}
		if calls[i].Arguments == nil {
			calls[i].Arguments = map[string]any{}
		}
	}
	if calls == nil {
		calls = []storage.ToolCall{}
	}
	return calls, ""
}

// linkPreviousTurns fills previous_turns from the rows of the same batch.
// Rows are grouped by flow_session and sorted by turn_number; each trace gets
// every strictly earlier turn, one entry per turn number, first row winning.
func linkPreviousTurns(rows []*row) {
	sessions := make(map[string][]*row)
	for _, rw := range rows {
		sessions[rw.trace.FlowSession] = append(sessions[rw.trace.FlowSession], rw)
	}

	for _, members := range sessions {
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].trace.TurnNumber < members[j].trace.TurnNumber
		})

		turns := make([]storage.PreviousTurn, 0, len(members))
		for _, m := range members {
			if n := len(turns); n > 0 && turns[n-1].TurnNumber == m.trace.TurnNumber {
				continue
			}
			turns = append(turns, storage.PreviousTurn{
				TurnNumber:  m.trace.TurnNumber,
				UserMessage: m.trace.UserMessage,
				AIResponse:  m.trace.AIResponse,
			})
		}

		for _, m := range members {
			n := sort.Search(len(turns), func(i int) bool { return turns[i].TurnNumber >= m.trace.TurnNumber })
			m.trace.PreviousTurns = append([]storage.PreviousTurn{}, turns[:n]...)
		}
	}
}
