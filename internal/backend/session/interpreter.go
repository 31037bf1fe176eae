package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/backend/catalog"
)

// errAbort ends a submission at a %abort statement.
var errAbort = errors.New("ERROR: Execution terminated by an %ABORT statement.")

// fileref is a named file assignment. Temporary filerefs keep their
// contents in memory only.
type fileref struct {
	name string
	path string
	buf  strings.Builder
}

func (f *fileref) temp() bool { return f.path == "" }

// set replaces the contents and writes them through for path-backed filerefs.
func (f *fileref) set(text string) error {
	f.buf.Reset()
	f.buf.WriteString(text)
	return f.flush()
}

func (f *fileref) append(text string) error {
	f.buf.WriteString(text)
	return f.flush()
}

func (f *fileref) flush() error {
	if f.temp() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path, []byte(f.buf.String()), 0o644)
}

func (f *fileref) lines() ([]string, error) {
	text := f.buf.String()
	if !f.temp() && text == "" {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, err
		}
		text = string(data)
	}
	text = strings.TrimRight(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// interpreter executes one submission.
type interpreter struct {
	s   *Session
	r   *run
	req backend.SubmitRequest

	filerefs map[string]*fileref
	logTo    *fileref
	printTo  *fileref
	ods      *fileref
	source   bool
	line     int
	step     []statement

	firstError       string
	lastLogCapture   string
	lastPrintCapture string
}

func newInterpreter(s *Session, r *run, req backend.SubmitRequest) *interpreter {
	return &interpreter{
		s:        s,
		r:        r,
		req:      req,
		filerefs: make(map[string]*fileref),
		source:   true,
	}
}

func (in *interpreter) exec(ctx context.Context, code string) error {
	in.writeLog(fmt.Sprintf("NOTE: Submission %d to server %s.\n", in.r.submission, in.r.server))

	err := in.statements(ctx, code)
	if err == nil {
		err = in.flushStep()
	}
	in.closeODS()
	if in.logTo != nil {
		in.lastLogCapture = in.logTo.buf.String()
	}
	if in.printTo != nil {
		in.lastPrintCapture = in.printTo.buf.String()
	}
	return err
}

func (in *interpreter) statements(ctx context.Context, code string) error {
	for _, st := range splitStatements(code) {
		if err := in.pause(ctx); err != nil {
			return err
		}
		in.echo(st)
		if err := in.statement(st); err != nil {
			return err
		}
	}
	return nil
}

func (in *interpreter) pause(ctx context.Context) error {
	if in.s.opts.Step <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(in.s.opts.Step)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (in *interpreter) echo(st statement) {
	if !in.source {
		return
	}
	var b strings.Builder
	for _, l := range st.lines {
		in.line++
		fmt.Fprintf(&b, "%-10d %s\n", in.line, strings.TrimRight(l, " \t\r"))
	}
	in.writeLog(b.String())
}

func (in *interpreter) statement(st statement) error {
	switch st.keyword {
	case "data", "proc":
		if err := in.flushStep(); err != nil {
			return err
		}
		in.step = []statement{st}
	case "run", "quit":
		return in.flushStep()
	case "%abort":
		in.writeLog(errAbort.Error() + "\n")
		return errAbort
	case "%put":
		in.writeLog(strings.TrimSpace(st.text[len("%put"):]) + "\n")
	case "filename":
		in.filename(st.text)
	case "options":
		for _, word := range strings.Fields(strings.ToLower(st.text))[1:] {
			switch word {
			case "source":
				in.source = true
			case "nosource":
				in.source = false
			}
		}
	case "ods":
		in.odsStatement(st.text)
	default:
		if len(in.step) > 0 {
			in.step = append(in.step, st)
		}
	}
	return nil
}

func (in *interpreter) filename(text string) {
	m := filenameRe.FindStringSubmatch(text)
	if m == nil {
		in.recordError("ERROR: Invalid FILENAME statement.")
		return
	}
	name := strings.ToLower(m[1])
	arg := strings.TrimSpace(m[2])
	switch {
	case strings.EqualFold(arg, "clear"):
		delete(in.filerefs, name)
		in.writeLog(fmt.Sprintf("NOTE: Fileref %s has been deassigned.\n", strings.ToUpper(name)))
	case strings.EqualFold(firstWord(arg), "temp"):
		in.filerefs[name] = &fileref{name: name}
	default:
		target := firstWord(arg)
		if lit := quotedRe.FindString(arg); lit != "" {
			target = lit
		}
		in.filerefs[name] = &fileref{name: name, path: in.resolvePath(unquote(target))}
	}
}

func (in *interpreter) odsStatement(text string) {
	if !odsHTMLRe.MatchString(text) {
		return
	}
	if strings.Contains(strings.ToLower(text), "close") {
		in.closeODS()
		return
	}
	in.closeODS()
	target := "sashtml.htm"
	if v, ok := option(text, "file"); ok {
		target = unquote(v)
	} else if v, ok := option(text, "body"); ok {
		target = unquote(v)
	}
	f := &fileref{name: "_html", path: in.resolvePath(target)}
	if err := f.set("<html>\n<body>\n"); err != nil {
		in.recordError(fmt.Sprintf("ERROR: Cannot open ODS HTML file %s.", target))
		return
	}
	in.ods = f
	in.addResult(f.path)
	in.writeLog(fmt.Sprintf("NOTE: Writing HTML Body file: %s\n", target))
}

func (in *interpreter) closeODS() {
	if in.ods == nil {
		return
	}
	_ = in.ods.append("</body>\n</html>\n")
	in.ods = nil
}

func (in *interpreter) flushStep() error {
	if len(in.step) == 0 {
		return nil
	}
	step := in.step
	in.step = nil

	head := step[0]
	fields := strings.Fields(strings.ToLower(head.text))
	if head.keyword == "data" {
		in.dataStep(step)
		in.stepNote("DATA statement")
		return nil
	}

	proc := ""
	if len(fields) > 1 {
		proc = fields[1]
	}
	switch proc {
	case "printto":
		in.printto(head.text)
	case "export":
		in.export(head.text)
	case "print":
		in.print(head.text)
	}
	in.stepNote("PROCEDURE " + strings.ToUpper(proc))
	return nil
}

func (in *interpreter) stepNote(what string) {
	in.writeLog(fmt.Sprintf("NOTE: %s used (Total process time):\n      real time           0.01 seconds\n      cpu time            0.00 seconds\n\n", what))
}

func (in *interpreter) dataStep(step []statement) {
	var (
		input   *fileref
		putlogs [][]string
	)
	for _, st := range step[1:] {
		switch st.keyword {
		case "infile":
			m := infileRe.FindStringSubmatch(st.text)
			if m == nil {
				continue
			}
			ref, ok := in.lookupFileref(m[1])
			if !ok {
				in.recordError(fmt.Sprintf("ERROR: No logical assign for filename %s.", strings.ToUpper(m[1])))
				return
			}
			input = ref
		case "putlog":
			putlogs = append(putlogs, putlogRe.FindAllString(st.text, -1))
		}
	}

	render := func(parts []string, infile string) string {
		var b strings.Builder
		for _, p := range parts {
			if strings.EqualFold(p, "_infile_") {
				b.WriteString(infile)
				continue
			}
			b.WriteString(unquote(p))
		}
		return b.String()
	}

	if input == nil {
		for _, parts := range putlogs {
			in.writeLog(render(parts, "") + "\n")
		}
	} else {
		lines, err := input.lines()
		if err != nil {
			in.recordError(fmt.Sprintf("ERROR: Physical file does not exist, %s.", input.path))
			return
		}
		for _, l := range lines {
			for _, parts := range putlogs {
				in.writeLog(render(parts, l) + "\n")
			}
		}
		in.writeLog(fmt.Sprintf("NOTE: %d records were read from the infile %s.\n", len(lines), strings.ToUpper(input.name)))
	}

	if fields := strings.Fields(step[0].text); len(fields) > 1 && !strings.EqualFold(fields[1], "_null_") {
		in.writeLog(fmt.Sprintf("NOTE: The data set %s has 0 observations and 0 variables.\n", strings.ToUpper(fields[1])))
	}
}

func (in *interpreter) printto(text string) {
	logVal, hasLog := option(text, "log")
	printVal, hasPrint := option(text, "print")
	if !hasLog && !hasPrint {
		if in.logTo != nil {
			in.lastLogCapture = in.logTo.buf.String()
		}
		if in.printTo != nil {
			in.lastPrintCapture = in.printTo.buf.String()
		}
		in.logTo, in.printTo = nil, nil
		in.writeLog("NOTE: PROCEDURE PRINTTO restored the default destinations.\n")
		return
	}

	truncate := hasWord(text, "new")
	resolve := func(v string) (*fileref, bool) {
		if strings.HasPrefix(v, "'") || strings.HasPrefix(v, "\"") {
			return &fileref{name: "_printto", path: in.resolvePath(unquote(v))}, true
		}
		return in.lookupFileref(v)
	}

	if hasLog {
		f, ok := resolve(logVal)
		if !ok {
			in.recordError(fmt.Sprintf("ERROR: No logical assign for filename %s.", strings.ToUpper(logVal)))
			return
		}
		if truncate {
			_ = f.set("")
		}
		in.logTo = f
	}
	if hasPrint {
		f, ok := resolve(printVal)
		if !ok {
			in.recordError(fmt.Sprintf("ERROR: No logical assign for filename %s.", strings.ToUpper(printVal)))
			return
		}
		if truncate {
			_ = f.set("")
		}
		in.printTo = f
	}
}

func (in *interpreter) export(text string) {
	ref, ok := parseDataset(text)
	if !ok {
		in.recordError("ERROR: DATA= option is required for PROC EXPORT.")
		return
	}
	d, ok := in.dataset(ref)
	if !ok {
		return
	}
	outfile, ok := option(text, "outfile")
	if !ok {
		in.recordError("ERROR: OUTFILE= option is required for PROC EXPORT.")
		return
	}

	var buf bytes.Buffer
	if err := catalog.WriteCSV(&buf, d, ref.obs); err != nil {
		in.recordError(fmt.Sprintf("ERROR: Export of %s failed.", ref))
		return
	}

	var target *fileref
	if strings.HasPrefix(outfile, "'") || strings.HasPrefix(outfile, "\"") {
		target = &fileref{name: "_export", path: in.resolvePath(unquote(outfile))}
		in.addResult(target.path)
	} else {
		f, ok := in.lookupFileref(outfile)
		if !ok {
			in.recordError(fmt.Sprintf("ERROR: No logical assign for filename %s.", strings.ToUpper(outfile)))
			return
		}
		target = f
	}
	if err := target.set(buf.String()); err != nil {
		in.recordError(fmt.Sprintf("ERROR: Cannot write to %s.", target.path))
		return
	}

	rows := len(d.Rows)
	if ref.obs > 0 && ref.obs < rows {
		rows = ref.obs
	}
	in.writeLog(fmt.Sprintf("NOTE: %d records were written to the file %s.\n", rows+1, strings.ToUpper(target.name)))
	in.writeLog(fmt.Sprintf("NOTE: %d rows created in %s from %s.\n", rows, strings.ToUpper(target.name), ref))
}

func (in *interpreter) print(text string) {
	ref, ok := parseDataset(text)
	if !ok {
		in.recordError("ERROR: There is not a default input data set (_LAST_ is _NULL_).")
		return
	}
	d, ok := in.dataset(ref)
	if !ok {
		return
	}
	in.writePrint(renderListing(d, ref.obs))
	if in.ods != nil {
		_ = in.ods.append(renderHTML(ref.String(), d, ref.obs))
	}
	n := len(d.Rows)
	if ref.obs > 0 && ref.obs < n {
		n = ref.obs
	}
	in.writeLog(fmt.Sprintf("NOTE: There were %d observations read from the data set %s.\n", n, ref))
}

func (in *interpreter) dataset(ref datasetRef) (*catalog.Dataset, bool) {
	_, _, d, err := in.s.opts.Catalog.Lookup(in.r.server, ref.libref, ref.member)
	if err != nil {
		in.recordError(fmt.Sprintf("ERROR: File %s.DATA does not exist.", ref))
		return nil, false
	}
	return d, true
}

func (in *interpreter) lookupFileref(name string) (*fileref, bool) {
	f, ok := in.filerefs[strings.ToLower(unquote(name))]
	return f, ok
}

func (in *interpreter) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	base := in.req.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "results", p)
}

func (in *interpreter) addResult(path string) {
	in.r.mu.Lock()
	defer in.r.mu.Unlock()
	for _, p := range in.r.results {
		if p == path {
			return
		}
	}
	in.r.results = append(in.r.results, path)
}

func (in *interpreter) recordError(msg string) {
	if in.firstError == "" {
		in.firstError = msg
	}
	in.writeLog(msg + "\n")
}

func (in *interpreter) writeLog(text string) {
	in.r.mu.Lock()
	in.r.log.WriteString(text)
	in.r.mu.Unlock()
	if in.logTo != nil {
		if err := in.logTo.append(text); err != nil {
			in.s.logger.Debug("log capture write failed", "path", in.logTo.path, "error", err)
		}
	}
}

func (in *interpreter) writePrint(text string) {
	in.r.mu.Lock()
	in.r.output.WriteString(text)
	in.r.mu.Unlock()
	if in.printTo != nil {
		if err := in.printTo.append(text); err != nil {
			in.s.logger.Debug("output capture write failed", "path", in.printTo.path, "error", err)
		}
	}
}

func hasWord(text, word string) bool {
	for _, f := range strings.Fields(strings.ToLower(text)) {
		if f == word {
			return true
		}
	}
	return false
}

func renderListing(d *catalog.Dataset, limit int) string {
	headers := append([]string{"Obs"}, columnNames(d)...)
	rows := limitRows(d, limit)

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = append([]string{fmt.Sprint(i + 1)}, row...)
		for j, c := range cells[i] {
			if j < len(widths) && len(c) > widths[j] {
				widths[j] = len(c)
			}
		}
	}

	var b strings.Builder
	b.WriteString("                                The SAS System\n\n")
	writeRow := func(vals []string) {
		for j := range widths {
			v := ""
			if j < len(vals) {
				v = vals[j]
			}
			fmt.Fprintf(&b, "%-*s    ", widths[j], v)
		}
		b.WriteString("\n")
	}
	writeRow(headers)
	b.WriteString("\n")
	for _, c := range cells {
		writeRow(c)
	}
	b.WriteString("\n")
	return b.String()
}

func renderHTML(title string, d *catalog.Dataset, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h1>%s</h1>\n<table>\n<tr>", html.EscapeString(title))
	for _, name := range columnNames(d) {
		fmt.Fprintf(&b, "<th>%s</th>", html.EscapeString(name))
	}
	b.WriteString("</tr>\n")
	for _, row := range limitRows(d, limit) {
		b.WriteString("<tr>")
		for _, v := range row {
			fmt.Fprintf(&b, "<td>%s</td>", html.EscapeString(v))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")
	return b.String()
}

func columnNames(d *catalog.Dataset) []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

func limitRows(d *catalog.Dataset, limit int) [][]string {
	if limit > 0 && limit < len(d.Rows) {
		return d.Rows[:limit]
	}
	return d.Rows
}
