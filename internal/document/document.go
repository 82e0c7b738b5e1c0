// Package document converts task documents between their in-memory model
// and the on-disk text representation: a YAML header block delimited by
// "---" lines, a blank line, then the free-form body.
package document

import (
	"fmt"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"postbox/internal/model"
)

// Delimiter opens and closes the structured header block, on a line of its own.
const Delimiter = "---"

// ParseError reports a document that could not be decoded: the header
// delimiter is absent, the header block is not valid YAML, or a required
// field is missing or malformed.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse task document: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse task document: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse splits the leading header block from the body and decodes the
// header into task metadata. Documents are normally produced by Serialize,
// so a ParseError indicates an externally-authored or corrupted file.
func Parse(text string) (model.TaskDocument, error) {
	header, body, err := splitHeader(text)
	if err != nil {
		return model.TaskDocument{}, err
	}

	var meta model.TaskMetadata
	decoder := yamlv3.NewDecoder(strings.NewReader(header))
	decoder.KnownFields(true)
	if err := decoder.Decode(&meta); err != nil {
		return model.TaskDocument{}, &ParseError{Reason: "invalid header block", Err: err}
	}

	if err := checkRequired(meta); err != nil {
		return model.TaskDocument{}, err
	}

	return model.TaskDocument{Metadata: meta, Content: body}, nil
}

// Serialize renders the document in its on-disk form. It is the inverse of
// Parse: for every valid document t, Parse(Serialize(t)) yields metadata
// value-equal to t's.
func Serialize(task model.TaskDocument) (string, error) {
	header, err := yamlv3.Marshal(task.Metadata)
	if err != nil {
		return "", fmt.Errorf("serialize task document: %w", err)
	}

	var b strings.Builder
	b.WriteString(Delimiter)
	b.WriteString("\n")
	b.Write(header)
	b.WriteString(Delimiter)
	b.WriteString("\n\n")
	b.WriteString(task.Content)
	if task.Content != "" && !strings.HasSuffix(task.Content, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}

// ValidationResult is the outcome of a non-throwing Validate call.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Document *model.TaskDocument
}

// Validate wraps Parse and never returns an error.
func Validate(text string) ValidationResult {
	doc, err := Parse(text)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true, Document: &doc}
}

// Template builds a human-editable skeleton document for manual authoring
// or inspection. The metadata header is fully populated; the body carries
// section headings when no content was supplied.
func Template(input model.CreateTaskInput) (string, error) {
	if input.Content == "" {
		input.Content = "## Description\n\n(describe the work here)\n\n## Acceptance Criteria\n\n- [ ] \n"
	}
	task, err := model.CreateTask(input)
	if err != nil {
		return "", fmt.Errorf("create task template: %w", err)
	}
	return Serialize(task)
}

func splitHeader(text string) (header, body string, err error) {
	open := Delimiter + "\n"
	if !strings.HasPrefix(text, open) {
		return "", "", &ParseError{Reason: "missing opening delimiter"}
	}

	rest := text[len(open):]
	idx := findClosingDelimiter(rest)
	if idx < 0 {
		return "", "", &ParseError{Reason: "missing closing delimiter"}
	}

	header = rest[:idx]
	body = rest[idx+len(Delimiter):]
	// The delimiter line consumed its own newline; the conventional blank
	// separator line after it is not part of the body.
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")
	return header, body, nil
}

// findClosingDelimiter returns the offset of the first "---" that sits on
// a line of its own, or -1.
func findClosingDelimiter(s string) int {
	offset := 0
	for {
		idx := strings.Index(s[offset:], Delimiter)
		if idx < 0 {
			return -1
		}
		abs := offset + idx
		atLineStart := abs == 0 || s[abs-1] == '\n'
		end := abs + len(Delimiter)
		atLineEnd := end == len(s) || s[end] == '\n'
		if atLineStart && atLineEnd {
			return abs
		}
		offset = end
	}
}

func checkRequired(meta model.TaskMetadata) error {
	missing := func(field string) error {
		return &ParseError{Reason: fmt.Sprintf("missing required field %q", field)}
	}
	switch {
	case meta.ID == "":
		return missing("id")
	case meta.Title == "":
		return missing("title")
	case meta.Type == "":
		return missing("type")
	case meta.From == "":
		return missing("from")
	case meta.To == "":
		return missing("to")
	}
	if !model.ValidPriority(meta.Priority) {
		return &ParseError{Reason: fmt.Sprintf("invalid priority %q", meta.Priority)}
	}
	if !model.ValidStatus(meta.Status) {
		return &ParseError{Reason: fmt.Sprintf("invalid status %q", meta.Status)}
	}
	for _, dep := range meta.Dependencies {
		if dep.TaskID == "" {
			return &ParseError{Reason: "dependency with empty task_id"}
		}
	}
	return nil
}
