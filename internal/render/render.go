// Package render expands a template file into one concrete source file per
// data record. The template engine itself is the standard library's
// text/template; this package only wraps it with the double-brace
// delimiters and the "default" helper the sweep author's templates use.
package render

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"parabuild/internal/model"
)

// noValueMarker is what text/template prints in place of a field reference
// whose map key is absent and which is not wrapped in a "default" call.
// Under the engine's default missing-key behavior this never becomes a Go
// error, so Render scans for it explicitly to honor "a missing variable
// with no default is fatal for that record".
const noValueMarker = "<no value>"

// Renderer renders a single template file against arbitrary data records.
type Renderer struct {
	tmpl *template.Template
}

// New parses the template file at path. Delimiters are the double braces
// ("{{" / "}}"), which are text/template's defaults, so no Delims call is
// needed; it exists here only so the defaults are named rather than
// implicit.
func New(path string) (*Renderer, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template %q: %w", path, err)
	}

	t := template.New(path).
		Delims("{{", "}}").
		Funcs(template.FuncMap{"default": defaultFunc})

	t, err = t.Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing template %q: %w", path, err)
	}
	return &Renderer{tmpl: t}, nil
}

// Render expands the template against one DataRecord and returns the
// resulting bytes. A variable referenced with no default and absent from
// the record's fields is a rendering error, matching "missing variable
// with no default is fatal for that record" — fatal for the record, not
// for the whole run: the caller turns this into a CompileErrorRecord.
func (r *Renderer) Render(rec model.DataRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, rec.Fields); err != nil {
		return nil, fmt.Errorf("rendering record %d: %w", rec.SourceIndex, err)
	}
	rendered := buf.String()
	if strings.Count(rendered, noValueMarker) > literalMarkerCount(rec.Fields) {
		return nil, fmt.Errorf("rendering record %d: template references a variable with no default that is missing from the data", rec.SourceIndex)
	}
	return buf.Bytes(), nil
}

// literalMarkerCount counts how many times noValueMarker can legitimately
// appear in rendered output because a data field's own value contains that
// exact text, so a record whose data happens to contain the literal string
// "<no value>" is never mistaken for one referencing a missing variable.
func literalMarkerCount(fields map[string]any) int {
	count := 0
	for _, v := range fields {
		count += strings.Count(fmt.Sprintf("%v", v), noValueMarker)
	}
	return count
}

// RenderToFile renders rec and writes the result to destPath, overwriting
// any existing content. Permissions mirror a freshly created source file.
func (r *Renderer) RenderToFile(rec model.DataRecord, destPath string) error {
	out, err := r.Render(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, out, 0o644)
}

// defaultFunc implements the template's `default "fallback" .Name` helper:
// if value is nil (what a missing map key evaluates to under the engine's
// default missing-key behavior) or formats as an empty string, fallback is
// used instead. Other zero values, such as the number 0, are kept.
func defaultFunc(fallback string, value any) string {
	if value == nil {
		return fallback
	}
	s := fmt.Sprintf("%v", value)
	if s == "" {
		return fallback
	}
	return s
}
