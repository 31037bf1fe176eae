package preview

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/sashelper/SDVBridge/internal/model"
)

// containsFold reports whether s contains substr, ignoring case.
func containsFold(s, substr string) bool {
	return indexFold(s, substr) >= 0
}

// indexFold is strings.Index with ASCII case folding. Offsets stay valid
// for the original string.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

// ExtractLines returns the CSV lines written between the begin and end
// markers. Each kept line is the text after the row marker, left-trimmed.
func ExtractLines(logText string) []string {
	logText = strings.ReplaceAll(logText, "\r\n", "\n")
	logText = strings.ReplaceAll(logText, "\r", "\n")

	var lines []string
	inside := false
	for _, line := range strings.Split(logText, "\n") {
		if containsFold(line, BeginMarker) {
			inside = true
			continue
		}
		if containsFold(line, EndMarker) {
			break
		}
		if !inside {
			continue
		}
		i := indexFold(line, RowMarker)
		if i < 0 {
			continue
		}
		lines = append(lines, strings.TrimLeft(line[i+len(RowMarker):], " \t"))
	}
	return lines
}

// ParseFields splits one CSV line. Quoted fields may hold delimiters and
// doubled quotes. Lines the CSV reader rejects are split by hand.
func ParseFields(line string) []string {
	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	fields, err := r.Read()
	if err == nil {
		return fields
	}
	if strings.TrimSpace(line) == "" {
		return nil
	}
	return splitFields(line)
}

// splitFields is a minimal quote-aware splitter.
func splitFields(line string) []string {
	var (
		fields   []string
		cur      strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"' && inQuotes && i+1 < len(line) && line[i+1] == '"':
			cur.WriteByte('"')
			i++
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

// BuildKeys chooses the row keys: column metadata names when known, else the
// header fields, else a single "col1". Blank keys become colN and duplicates
// (compared case-insensitively) get _2, _3... suffixes.
func BuildKeys(columns []model.Column, header []string) []string {
	var keys []string
	for _, c := range columns {
		if strings.TrimSpace(c.Name) != "" {
			keys = append(keys, c.Name)
		}
	}
	if len(keys) == 0 {
		for i, h := range header {
			if strings.TrimSpace(h) == "" {
				h = colName(i)
			}
			keys = append(keys, h)
		}
	}
	if len(keys) == 0 {
		keys = []string{"col1"}
	}

	used := make(keySet)
	for i, k := range keys {
		keys[i] = used.claim(k)
	}
	return keys
}

// ParseRows converts the data lines (header excluded) into row maps keyed by
// keys. Extra fields get colN keys, missing fields are empty, blank lines are
// skipped. At most limit rows are returned.
func ParseRows(lines []string, keys []string, limit int) []map[string]string {
	rows := []map[string]string{}
	for _, line := range lines {
		if len(rows) >= limit {
			break
		}
		fields := ParseFields(line)
		if len(fields) == 0 {
			continue
		}

		row := make(map[string]string, max(len(keys), len(fields)))
		used := make(keySet)
		for j := 0; j < max(len(keys), len(fields)); j++ {
			key := colName(j)
			if j < len(keys) && strings.TrimSpace(keys[j]) != "" {
				key = keys[j]
			}
			key = used.claim(key)
			if j < len(fields) {
				row[key] = fields[j]
			} else {
				row[key] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func colName(i int) string {
	return fmt.Sprintf("col%d", i+1)
}

// keySet tracks claimed keys case-insensitively.
type keySet map[string]bool

func (s keySet) claim(key string) string {
	if !s[strings.ToLower(key)] {
		s[strings.ToLower(key)] = true
		return key
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", key, n)
		if !s[strings.ToLower(candidate)] {
			s[strings.ToLower(candidate)] = true
			return candidate
		}
	}
}
