package outbox

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrNoFrontmatter is returned for files that do not start with a YAML
// block. Such files are not drafts.
var ErrNoFrontmatter = errors.New("no frontmatter")

// Frontmatter holds the header fields of an outbox file.
type Frontmatter struct {
	// To lists recipient addresses. Empty means a note to self.
	To []string `yaml:"to"`
	// Attachments are file paths, relative to the outbox directory unless
	// absolute.
	Attachments []string `yaml:"attachments"`
	// Footer overrides the configured footer when set.
	Footer *string `yaml:"footer"`
}

// DraftFile is a parsed outbox file.
type DraftFile struct {
	Frontmatter
	Text string
}

// ParseDraft splits content into its YAML frontmatter and the message
// text that follows it.
func ParseDraft(content []byte) (*DraftFile, error) {
	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}

	return &DraftFile{Frontmatter: *fm, Text: string(bytes.TrimSpace(body))}, nil
}

func parseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, nil, ErrNoFrontmatter
	}

	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	rest := content[3:]

	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, nil, ErrNoFrontmatter
	}

	rest = rest[idx+1:]

	var block, body []byte

	// The closing delimiter must be on its own line; it may also open the
	// block directly when the frontmatter is empty.
	if bytes.HasPrefix(rest, []byte("---")) {
		body = rest[3:]
	} else {
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, nil, fmt.Errorf("%w: missing closing delimiter", ErrNoFrontmatter)
		}

		block = rest[:end]
		body = rest[end+4:]
	}

	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	return &fm, body, nil
}
