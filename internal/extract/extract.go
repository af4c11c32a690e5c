// Package extract isolates a JSON value embedded inside a larger markup
// document, such as application state assigned to a global in an inline
// script tag.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Extraction errors a caller can branch on.
var (
	// ErrMarkerNotFound means the marker string does not occur in the document.
	ErrMarkerNotFound = errors.New("marker not found")
	// ErrNoValue means no opening delimiter follows the marker.
	ErrNoValue = errors.New("no JSON value after marker")
	// ErrUnbalanced means the document ended before the value's delimiters balanced.
	ErrUnbalanced = errors.New("unbalanced delimiters")
)

// Document is an extracted JSON value together with the byte span it
// occupied in the source text. The span is balanced and parses as JSON.
type Document struct {
	Raw   json.RawMessage
	Start int
	End   int
}

// Value unmarshals the extracted span into v.
func (d Document) Value(v any) error {
	if err := json.Unmarshal(d.Raw, v); err != nil {
		return fmt.Errorf("decode extracted value: %w", err)
	}
	return nil
}

// Extract locates the first occurrence of marker in doc and returns the JSON
// object or array that follows it. The scan counts delimiters structurally:
// delimiter characters inside string literals are skipped, and backslash
// escapes inside strings are honored, so a brace in a quoted value cannot
// terminate the span early.
func Extract(doc, marker string) (Document, error) {
	if marker == "" {
		return Document{}, fmt.Errorf("marker is required")
	}
	at := strings.Index(doc, marker)
	if at < 0 {
		return Document{}, fmt.Errorf("%w: %q", ErrMarkerNotFound, marker)
	}

	start := firstDelimiter(doc, at+len(marker))
	if start < 0 {
		return Document{}, ErrNoValue
	}
	open := doc[start]
	closing := matchingClose(open)

	end, err := scanBalanced(doc, start, open, closing)
	if err != nil {
		return Document{}, err
	}

	raw := json.RawMessage(doc[start:end])
	if !json.Valid(raw) {
		var probe any
		err := json.Unmarshal(raw, &probe)
		return Document{}, fmt.Errorf("extracted span is not valid JSON: %w", err)
	}
	return Document{Raw: raw, Start: start, End: end}, nil
}

// firstDelimiter returns the index of the first '{' or '[' at or after from,
// or -1. Anything else non-whitespace before the delimiter (an '=' sign, a
// colon) is tolerated; real documents put assignment syntax between the
// marker and the value.
func firstDelimiter(doc string, from int) int {
	for i := from; i < len(doc); i++ {
		switch doc[i] {
		case '{', '[':
			return i
		case '"', '\'':
			// A quote before any delimiter means the marker introduces a
			// string, not a container; that is not extractable here.
			return -1
		}
	}
	return -1
}

func matchingClose(open byte) byte {
	if open == '[' {
		return ']'
	}
	return '}'
}

// scanBalanced walks doc from start (an opening delimiter) and returns the
// index one past the character where the depth returns to zero.
func scanBalanced(doc string, start int, open, closing byte) (int, error) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(doc); i++ {
		c := doc[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i + 1, nil
			}
			if depth < 0 {
				return 0, ErrUnbalanced
			}
		}
	}
	return 0, ErrUnbalanced
}
