package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Accepted values for Settings.Expect.
const (
	ExpectAny    = ""
	ExpectObject = "object"
	ExpectArray  = "array"
)

// Result is what a lint run reports back to the UI.
type Result struct {
	IsValid       bool   `json:"isValid"`
	FormattedJSON string `json:"formattedJson"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	Line          int    `json:"line,omitempty"`
	Column        int    `json:"column,omitempty"`
}

// Lint validates input and, when it is valid, pretty-prints it with the
// given indent. Key order and number formatting are preserved.
func Lint(input string, settings Settings) Result {
	if strings.TrimSpace(input) == "" {
		return Result{ErrorMessage: "Empty JSON input"}
	}
	src := []byte(input)

	var out bytes.Buffer
	if err := json.Indent(&out, src, "", strings.Repeat(" ", settings.Indent)); err != nil {
		return failure(src, err)
	}

	if err := checkShape(src, settings.Expect); err != nil {
		return failure(src, err)
	}

	return Result{
		IsValid:       true,
		FormattedJSON: strings.TrimSpace(out.String()),
	}
}

// checkShape decodes into a typed target so a top-level value of the wrong
// kind surfaces as a *json.UnmarshalTypeError carrying its offset.
func checkShape(src []byte, expect string) error {
	switch expect {
	case ExpectObject:
		var v map[string]json.RawMessage
		return json.Unmarshal(src, &v)
	case ExpectArray:
		var v []json.RawMessage
		return json.Unmarshal(src, &v)
	}
	return nil
}

func failure(src []byte, err error) Result {
	r := Result{ErrorMessage: err.Error()}
	if line, col, ok := Position(src, err); ok {
		r.Line, r.Column = line, col
	}
	return r
}

// Position converts the byte offset carried by a decoding error into a
// 1-based line and column (in runes) within src.
func Position(src []byte, err error) (line, column int, ok bool) {
	var offset int64
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	default:
		return 0, 0, false
	}

	// the offset counts the byte that caused the error
	pos := int(offset) - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= len(src) {
		pos = len(src) - 1
	}

	before := src[:pos]
	line = bytes.Count(before, []byte("\n")) + 1
	lineStart := bytes.LastIndexByte(before, '\n') + 1
	column = utf8.RuneCount(before[lineStart:]) + 1
	return line, column, true
}

// describe renders a one-line summary for logs and events.
func (r Result) describe() string {
	if r.IsValid {
		return "valid"
	}
	if r.Line > 0 {
		return fmt.Sprintf("invalid at %d:%d: %s", r.Line, r.Column, r.ErrorMessage)
	}
	return "invalid: " + r.ErrorMessage
}
