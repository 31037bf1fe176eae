package preview

import (
	"fmt"
	"strings"
)

// Log markers of the extraction protocol.
const (
	BeginMarker = "__SDV_PREVIEW_BEGIN__"
	EndMarker   = "__SDV_PREVIEW_END__"
	RowMarker   = "__SDV_PREVIEW_ROW__|"
)

const (
	// DefaultLimit is used when the requested limit is not positive.
	DefaultLimit = 20
	// MaxLimit caps the number of previewed rows.
	MaxLimit = 500
)

// ClampLimit normalizes a requested row limit into [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// BuildProgram returns the program that exports the first limit rows of
// libref.member as CSV and writes every line to the log between markers.
// Source echo is switched off so the marker literals only appear once.
func BuildProgram(libref, member string, limit int) string {
	ref := nameLiteral(libref) + "." + nameLiteral(member)

	var b strings.Builder
	b.WriteString("options nosource;\n")
	b.WriteString("filename _sdvprvw temp;\n")
	fmt.Fprintf(&b, "proc export data=%s(obs=%d) outfile=_sdvprvw dbms=csv replace;\n", ref, limit)
	b.WriteString("run;\n")
	b.WriteString("data _null_;\n")
	fmt.Fprintf(&b, "  putlog '%s';\n", BeginMarker)
	b.WriteString("run;\n")
	b.WriteString("data _null_;\n")
	b.WriteString("  infile _sdvprvw lrecl=32767 truncover;\n")
	b.WriteString("  input;\n")
	fmt.Fprintf(&b, "  putlog '%s' _infile_;\n", RowMarker)
	b.WriteString("run;\n")
	b.WriteString("data _null_;\n")
	fmt.Fprintf(&b, "  putlog '%s';\n", EndMarker)
	b.WriteString("run;\n")
	b.WriteString("filename _sdvprvw clear;\n")
	b.WriteString("options source;\n")
	return b.String()
}

// nameLiteral quotes v as a SAS name literal, e.g. 'my lib'n.
func nameLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'n"
}
