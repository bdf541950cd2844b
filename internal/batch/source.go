package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileSource errors.
var (
	ErrDuplicateIdentity = errors.New("duplicate item identity")
	ErrMissingIdentity   = errors.New("item is missing an identity")
)

// FileSource reads work items from a JSONL file, one item per line:
//
//	{"identity": "acme", "payload": {"name": "acme", "website": "..."}}
//
// Blank lines and lines starting with '#' are skipped.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading from the JSONL file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Items reads and validates the full item list. Identities must be unique
// within the file.
func (s *FileSource) Items(_ context.Context) ([]WorkItem, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()

	var items []WorkItem
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var item WorkItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("items file line %d: %w", lineNo, err)
		}
		if item.Identity == "" {
			return nil, fmt.Errorf("items file line %d: %w", lineNo, ErrMissingIdentity)
		}
		if _, dup := seen[item.Identity]; dup {
			return nil, fmt.Errorf("items file line %d: %w: %s", lineNo, ErrDuplicateIdentity, item.Identity)
		}
		seen[item.Identity] = struct{}{}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read items file: %w", err)
	}
	return items, nil
}
