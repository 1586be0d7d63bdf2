// Package labels maps classifier output positions to the characters they
// stand for. Row order in the label file is the training-time class order, so
// it is never sorted or deduplicated.
package labels

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrLabelLoad reports a missing, unreadable or malformed label source.
	ErrLabelLoad = errors.New("label load failed")
	// ErrIndexOutOfRange reports a lookup outside the label table.
	ErrIndexOutOfRange = errors.New("label index out of range")
)

// Entry is one row of the label table.
type Entry struct {
	Index     int    `json:"index"`
	Primary   string `json:"primary_label"`
	Secondary string `json:"secondary_label,omitempty"`
	ClassID   string `json:"class_id,omitempty"`
}

// LoadOptions describes the label file layout.
type LoadOptions struct {
	// IndexColumn marks a leading row-index column. It must equal the data
	// row position and is dropped after validation.
	IndexColumn bool
}

// Registry is an immutable, ordered label table.
type Registry struct {
	entries []Entry
}

// LoadFile reads the label table at path.
func LoadFile(path string, opts LoadOptions) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLabelLoad, path, err)
	}
	defer f.Close()

	reg, err := Load(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Load parses a label table. Rows are `primary`, `class_id primary` or
// `class_id primary secondary`; the first data row fixes the column count.
func Load(r io.Reader, opts LoadOptions) (*Registry, error) {
	var entries []Entry
	columns := 0
	line := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if line == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
		}
		if strings.TrimSpace(text) == "" || strings.HasPrefix(strings.TrimSpace(text), "#") {
			continue
		}

		fields := splitRow(text)
		if opts.IndexColumn {
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: line %d: missing label after index column", ErrLabelLoad, line)
			}
			idx, err := strconv.Atoi(fields[0])
			if err != nil || idx != len(entries) {
				return nil, fmt.Errorf("%w: line %d: index column %q, want %d", ErrLabelLoad, line, fields[0], len(entries))
			}
			fields = fields[1:]
		}

		if columns == 0 {
			columns = min(len(fields), 3)
		}
		if len(fields) < columns {
			return nil, fmt.Errorf("%w: line %d: %d columns, want %d", ErrLabelLoad, line, len(fields), columns)
		}

		entry := Entry{Index: len(entries)}
		switch columns {
		case 1:
			entry.Primary = fields[0]
		case 2:
			entry.ClassID, entry.Primary = fields[0], fields[1]
		default:
			entry.ClassID, entry.Primary, entry.Secondary = fields[0], fields[1], fields[2]
		}
		entry.Primary = Canonical(entry.Primary)
		if entry.Primary == "" {
			return nil, fmt.Errorf("%w: line %d: empty primary label", ErrLabelLoad, line)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrLabelLoad, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no label rows", ErrLabelLoad)
	}
	return &Registry{entries: entries}, nil
}

// New builds a registry from primary labels in index order.
func New(primary ...string) *Registry {
	entries := make([]Entry, len(primary))
	for i, p := range primary {
		entries[i] = Entry{Index: i, Primary: Canonical(p)}
	}
	return &Registry{entries: entries}
}

// FromEntries builds a registry from entries, reindexing them by position.
func FromEntries(in []Entry) *Registry {
	entries := make([]Entry, len(in))
	for i, e := range in {
		e.Index = i
		e.Primary = Canonical(e.Primary)
		entries[i] = e
	}
	return &Registry{entries: entries}
}

// Get returns the entry at index.
func (r *Registry) Get(index int) (Entry, error) {
	if index < 0 || index >= len(r.entries) {
		return Entry{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(r.entries))
	}
	return r.entries[index], nil
}

// Size is the number of labels.
func (r *Registry) Size() int {
	return len(r.entries)
}

// Entries returns a copy of the table.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// WithSecondary returns a copy whose absent secondary labels are filled from
// m, keyed by primary label. Existing secondary labels win.
func (r *Registry) WithSecondary(m map[string]string) *Registry {
	canon := make(map[string]string, len(m))
	for k, v := range m {
		canon[Canonical(k)] = v
	}
	entries := r.Entries()
	for i := range entries {
		if entries[i].Secondary != "" {
			continue
		}
		if s, ok := canon[entries[i].Primary]; ok {
			entries[i].Secondary = s
		}
	}
	return &Registry{entries: entries}
}

// LoadSecondaryFile reads a JSON object mapping primary labels to secondary
// labels, e.g. kana to romaji.
func LoadSecondaryFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLabelLoad, path, err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrLabelLoad, path, err)
	}
	return m, nil
}

// Canonical trims and NFC-normalizes a label so composed and decomposed
// forms (が vs か+゙) compare equal.
func Canonical(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func splitRow(text string) []string {
	var fields []string
	if strings.Contains(text, "\t") {
		fields = strings.Split(text, "\t")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
	} else {
		fields = strings.Fields(text)
	}
	// trailing empty tab cells are not columns
	for len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	return fields
}
