package session

import (
	"regexp"
	"strconv"
	"strings"
)

// statement is one semicolon-terminated unit of program text.
type statement struct {
	text    string // without the trailing semicolon
	lines   []string
	keyword string // lowercased first word
}

// splitStatements cuts program text at semicolons outside quotes. Block
// comments are dropped.
func splitStatements(src string) []statement {
	var (
		out   []statement
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		raw := cur.String()
		cur.Reset()
		text := strings.TrimSpace(raw)
		if text == "" {
			return
		}
		out = append(out, statement{
			text:    text,
			lines:   strings.Split(text+";", "\n"),
			keyword: strings.ToLower(firstWord(text)),
		})
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
				continue
			}
			i += 2 + end + 1
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\r\n("); i >= 0 {
		return s[:i]
	}
	return s
}

// unquote strips a SAS string literal, undoubling embedded quotes. Values
// that are not quoted are returned unchanged.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return s
	}
	inner := s[1 : len(s)-1]
	return strings.ReplaceAll(inner, string(q)+string(q), string(q))
}

const valuePattern = `('(?:[^']|'')*'|"(?:[^"]|"")*"|[\w.#&%]+)`

// option returns the value of name=value inside a statement.
func option(text, name string) (string, bool) {
	re := regexp.MustCompile(`(?i)\b` + name + `\s*=\s*` + valuePattern)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var (
	nameLiteral = `'(?:[^']|'')*'n`
	datasetRe   = regexp.MustCompile(`(?i)\bdata\s*=\s*(` + nameLiteral + `|[A-Za-z_]\w*)(?:\s*\.\s*(` + nameLiteral + `|[A-Za-z_]\w*))?(?:\s*\(\s*obs\s*=\s*(\d+)\s*\))?`)
	filenameRe  = regexp.MustCompile(`(?is)^filename\s+(\w+)\s+(.+)$`)
	putlogRe    = regexp.MustCompile(`(?i)'(?:[^']|'')*'|"(?:[^"]|"")*"|\b_infile_\b`)
	infileRe    = regexp.MustCompile(`(?i)^infile\s+(\w+|'[^']*'|"[^"]*")`)
	odsHTMLRe   = regexp.MustCompile(`(?i)^ods\s+html5?\b`)
	quotedRe    = regexp.MustCompile(`^('(?:[^']|'')*'|"(?:[^"]|"")*")`)
)

// datasetRef is a libref.member pair with an optional row limit.
type datasetRef struct {
	libref string
	member string
	obs    int
}

func (d datasetRef) String() string {
	return strings.ToUpper(d.libref + "." + d.member)
}

// parseDataset extracts the data= option of a procedure statement. One-level
// names refer to WORK.
func parseDataset(text string) (datasetRef, bool) {
	m := datasetRe.FindStringSubmatch(text)
	if m == nil {
		return datasetRef{}, false
	}
	ref := datasetRef{libref: "WORK", member: nameValue(m[1])}
	if m[2] != "" {
		ref.libref = nameValue(m[1])
		ref.member = nameValue(m[2])
	}
	if m[3] != "" {
		ref.obs, _ = strconv.Atoi(m[3])
	}
	return ref, true
}

// nameValue decodes a SAS name literal ('x'n) or returns a plain name.
func nameValue(s string) string {
	if len(s) >= 3 && s[0] == '\'' && (s[len(s)-1] == 'n' || s[len(s)-1] == 'N') {
		return unquote(s[:len(s)-1])
	}
	return s
}
