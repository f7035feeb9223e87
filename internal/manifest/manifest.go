package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Manifest is the parsed content of a single Manifest file
type Manifest struct {
	Entries []*Entry
}

// Parse reads Manifest lines from r. Clearsigned input must be unwrapped by
// the caller first.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		m.Entries = append(m.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return m, nil
}

// ParseBytes is Parse over an in-memory buffer.
func ParseBytes(data []byte) (*Manifest, error) {
	return Parse(bytes.NewReader(data))
}

func parseLine(line string) (*Entry, error) {
	fields := strings.Fields(line)
	tag := Tag(fields[0])
	if !tag.IsKnown() {
		return nil, fmt.Errorf("unknown tag %q", fields[0])
	}

	if tag == TagTimestamp {
		if len(fields) != 2 {
			return nil, fmt.Errorf("TIMESTAMP expects 1 value, got %d", len(fields)-1)
		}
		ts, err := time.Parse(TimestampFormat, fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid TIMESTAMP %q: %w", fields[1], err)
		}
		return &Entry{Tag: tag, Timestamp: ts}, nil
	}

	if len(fields) < 2 {
		return nil, fmt.Errorf("%s entry without path", tag)
	}
	p, err := UnescapePath(fields[1])
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(p); err != nil {
		return nil, fmt.Errorf("%s entry: %w", tag, err)
	}

	if !tag.IsFileTag() {
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s entry expects only a path", tag)
		}
		return &Entry{Tag: tag, Path: p}, nil
	}

	if len(fields) < 3 {
		return nil, fmt.Errorf("%s entry %s without size", tag, p)
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%s entry %s: invalid size %q", tag, p, fields[2])
	}

	rest := fields[3:]
	if len(rest)%2 != 0 {
		return nil, fmt.Errorf("%s entry %s: hash name without value", tag, p)
	}
	hashes := make(map[string]string, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		hashes[rest[i]] = strings.ToLower(rest[i+1])
	}

	return &Entry{Tag: tag, Path: p, Size: size, Hashes: hashes}, nil
}

// ValidatePath rejects paths that could escape the Manifest directory.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes the manifest directory", p)
		}
	}
	return nil
}

// Dump writes the Manifest to w. With sorted set, TIMESTAMP comes first and
// the remaining entries are ordered by tag and path.
func (m *Manifest) Dump(w io.Writer, sorted bool) error {
	entries := m.Entries
	if sorted {
		entries = make([]*Entry, len(m.Entries))
		copy(entries, m.Entries)
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if (a.Tag == TagTimestamp) != (b.Tag == TagTimestamp) {
				return a.Tag == TagTimestamp
			}
			if a.Tag != b.Tag {
				return a.Tag < b.Tag
			}
			return a.Path < b.Path
		})
	}

	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Bytes returns the dumped Manifest.
func (m *Manifest) Bytes(sorted bool) []byte {
	var buf bytes.Buffer
	_ = m.Dump(&buf, sorted)
	return buf.Bytes()
}

// Timestamp returns the TIMESTAMP entry or nil.
func (m *Manifest) Timestamp() *Entry {
	for _, e := range m.Entries {
		if e.Tag == TagTimestamp {
			return e
		}
	}
	return nil
}

// FindPath returns the entry whose tree path equals p, or the IGNORE entry
// covering p. DIST and TIMESTAMP entries are never returned.
func (m *Manifest) FindPath(p string) *Entry {
	for _, e := range m.Entries {
		if !e.Tag.IsPathTag() {
			continue
		}
		tp := e.TreePath()
		if tp == p {
			return e
		}
		if e.Tag == TagIgnore && strings.HasPrefix(p, tp+"/") {
			return e
		}
	}
	return nil
}

// Remove drops entry e, reporting whether it was present.
func (m *Manifest) Remove(e *Entry) bool {
	for i, cur := range m.Entries {
		if cur == e {
			m.Entries = append(m.Entries[:i], m.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps old for repl, appending repl when old is nil or absent.
func (m *Manifest) Replace(old, repl *Entry) {
	for i, cur := range m.Entries {
		if old != nil && cur == old {
			m.Entries[i] = repl
			return
		}
	}
	m.Entries = append(m.Entries, repl)
}

// EscapePath encodes whitespace, backslashes and non-printable characters so
// the path survives whitespace tokenization. Bytes that are not valid UTF-8
// are written as \uDC80-\uDCFF so they can be restored exactly.
func EscapePath(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); {
		r, width := utf8.DecodeRuneInString(p[i:])
		if r == utf8.RuneError && width == 1 {
			fmt.Fprintf(&b, `\u%04X`, rawByteBase|rune(p[i]))
			i++
			continue
		}
		i += width

		switch {
		case r == '\\' || unicode.IsSpace(r) || !unicode.IsPrint(r):
			switch {
			case r <= 0xff:
				fmt.Fprintf(&b, `\x%02X`, r)
			case r <= 0xffff:
				fmt.Fprintf(&b, `\u%04X`, r)
			default:
				fmt.Fprintf(&b, `\U%08X`, r)
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rawByteBase maps an undecodable byte 0x80-0xFF onto a lone low surrogate.
const rawByteBase = 0xDC00

// UnescapePath reverses EscapePath.
func UnescapePath(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("invalid escape at end of %q", s)
		}

		var width int
		switch s[i+1] {
		case 'x':
			width = 2
		case 'u':
			width = 4
		case 'U':
			width = 8
		default:
			return "", fmt.Errorf("invalid escape \\%c in %q", s[i+1], s)
		}
		start := i + 2
		if start+width > len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		v, err := strconv.ParseUint(s[start:start+width], 16, 32)
		if err != nil {
			return "", fmt.Errorf("invalid escape in %q: %w", s, err)
		}
		if v >= rawByteBase+0x80 && v <= rawByteBase+0xff {
			b.WriteByte(byte(v - rawByteBase))
		} else {
			b.WriteRune(rune(v))
		}
		i = start + width
	}
	return b.String(), nil
}
