// Package markdown splits a note file into YAML frontmatter and body, and
// reassembles them round-trip-stable (spec.md §4.1, §8).
package markdown

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// ErrMalformedYaml is returned by Parse when a frontmatter block is present
// but does not parse as YAML. Callers fall back to treating the whole file
// as body text with empty frontmatter (spec.md §4.1).
var ErrMalformedYaml = errors.New("markdown: malformed frontmatter yaml")

// Document is the parsed form of a note file: a frontmatter map and a body.
type Document struct {
	Frontmatter map[string]any
	Body        string
}

// Parse splits content into frontmatter and body. A file that doesn't begin
// with the frontmatter delimiter has no frontmatter at all (not an error).
// A file with an unclosed frontmatter block, or unparseable YAML inside one,
// returns ErrMalformedYaml wrapped with context; the body is preserved
// verbatim in that case by the caller using FallbackBody.
func Parse(content []byte) (*Document, error) {
	str := string(content)

	if !strings.HasPrefix(str, delimiter) {
		return &Document{
			Frontmatter: map[string]any{},
			Body:        str,
		}, nil
	}

	rest := str[len(delimiter):]
	idx := strings.Index(rest, "\n"+delimiter)
	if idx == -1 {
		return nil, fmt.Errorf("%w: unclosed frontmatter block", ErrMalformedYaml)
	}

	fmYAML := rest[:idx]
	// Render leaves a blank line between the closing delimiter and the body;
	// tolerate content written without it (e.g. by hand, or by an older
	// version of this package) by stripping at most two leading newlines.
	body := strings.TrimPrefix(rest[idx+len("\n"+delimiter):], "\n")
	body = strings.TrimPrefix(body, "\n")

	var frontmatter map[string]any
	if err := yaml.Unmarshal([]byte(fmYAML), &frontmatter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedYaml, err)
	}
	if frontmatter == nil {
		frontmatter = map[string]any{}
	}

	return &Document{Frontmatter: frontmatter, Body: body}, nil
}

// FallbackBody returns content unmodified as a Document with no frontmatter,
// for use when Parse reports ErrMalformedYaml and the caller wants to keep
// the file's body verbatim rather than reject it outright.
func FallbackBody(content []byte) *Document {
	return &Document{Frontmatter: map[string]any{}, Body: string(content)}
}

// Render combines frontmatter and body into a markdown document:
//
//	---\n{yaml}---\n\n{body}    if frontmatter is nonempty
//	{body}                      verbatim otherwise
//
// Render(parsed) round-trips through Parse for any (frontmatter, body) pair
// where body does not itself begin with the delimiter (spec.md §8).
func Render(doc *Document) ([]byte, error) {
	var buf bytes.Buffer

	if len(doc.Frontmatter) > 0 {
		buf.WriteString(delimiter)
		buf.WriteString("\n")

		fmBytes, err := yaml.Marshal(doc.Frontmatter)
		if err != nil {
			return nil, fmt.Errorf("markdown: marshal frontmatter: %w", err)
		}
		buf.Write(fmBytes)

		buf.WriteString(delimiter)
		buf.WriteString("\n\n")
	}

	buf.WriteString(doc.Body)

	return buf.Bytes(), nil
}
