// Package frontmatter is the single gateway for reading and writing the
// YAML header of work item files. All mutations go through Document so
// that key order and unknown keys survive a rewrite, and writes land
// atomically (temp file + rename) so a crashed process never leaves a
// half-written item behind.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitboss-dev/pitboss/internal/util"
)

const delimiter = "---"

var (
	// ErrNoFrontmatter is returned for files that do not open with a
	// frontmatter delimiter.
	ErrNoFrontmatter = errors.New("no frontmatter header")

	// ErrUnterminated is returned when the opening delimiter is never
	// closed.
	ErrUnterminated = errors.New("unterminated frontmatter header")
)

// Document is a parsed work item file: a YAML mapping plus the markdown
// body below it. The mapping is kept as a yaml.Node tree so rewrites
// preserve key order and keys this tool does not know about.
type Document struct {
	mapping *yaml.Node
	body    string
	path    string
}

// Read loads and parses the file at path.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	doc.path = path
	return doc, nil
}

// Parse splits raw file content into header and body. The header must
// start on the first line.
func Parse(data []byte) (*Document, error) {
	lines := strings.SplitAfter(string(data), "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r\n") != delimiter {
		return nil, ErrNoFrontmatter
	}

	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r\n") == delimiter {
			closing = i
			break
		}
	}
	if closing == -1 {
		return nil, ErrUnterminated
	}

	header := strings.Join(lines[1:closing], "")
	body := strings.Join(lines[closing+1:], "")

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(header), &root); err != nil {
		return nil, fmt.Errorf("frontmatter yaml: %w", err)
	}

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		if root.Content[0].Kind != yaml.MappingNode {
			return nil, fmt.Errorf("frontmatter is not a mapping")
		}
		mapping = root.Content[0]
	}

	return &Document{mapping: mapping, body: body}, nil
}

// New returns an empty document with the given body, for creating items
// from scratch.
func New(body string) *Document {
	return &Document{
		mapping: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"},
		body:    body,
	}
}

// Path returns the file this document was read from, or "" for parsed
// or newly created documents.
func (d *Document) Path() string { return d.path }

// Body returns the markdown content below the header, byte-exact as read.
func (d *Document) Body() string { return d.body }

// SetBody replaces the markdown content below the header.
func (d *Document) SetBody(body string) { d.body = body }

func (d *Document) lookup(key string) *yaml.Node {
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		if d.mapping.Content[i].Value == key {
			return d.mapping.Content[i+1]
		}
	}
	return nil
}

// Has reports whether key exists in the header.
func (d *Document) Has(key string) bool { return d.lookup(key) != nil }

// Keys returns header keys in file order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.mapping.Content)/2)
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		keys = append(keys, d.mapping.Content[i].Value)
	}
	return keys
}

// GetString returns the value for key. The second return is false when
// the key is absent or the value is not a string scalar.
func (d *Document) GetString(key string) (string, bool) {
	n := d.lookup(key)
	if n == nil {
		return "", false
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return "", false
	}
	return s, true
}

// GetBool returns the boolean value for key, false when absent or not a
// boolean.
func (d *Document) GetBool(key string) bool {
	n := d.lookup(key)
	if n == nil {
		return false
	}
	var b bool
	if err := n.Decode(&b); err != nil {
		return false
	}
	return b
}

// GetInt returns the integer value for key. The second return is false
// when the key is absent or not an integer.
func (d *Document) GetInt(key string) (int, bool) {
	n := d.lookup(key)
	if n == nil {
		return 0, false
	}
	var i int
	if err := n.Decode(&i); err != nil {
		return 0, false
	}
	return i, true
}

// GetStringSlice returns the list value for key. A bare scalar is
// treated as a single-element list; absent keys return nil.
func (d *Document) GetStringSlice(key string) []string {
	n := d.lookup(key)
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		if n.Value == "" || n.Tag == "!!null" {
			return nil
		}
		return []string{n.Value}
	}
	var out []string
	if err := n.Decode(&out); err != nil {
		return nil
	}
	return out
}

// GetStringMap returns the nested string mapping for key, nil when
// absent or not a mapping.
func (d *Document) GetStringMap(key string) map[string]string {
	n := d.lookup(key)
	if n == nil {
		return nil
	}
	out := map[string]string{}
	if err := n.Decode(&out); err != nil {
		return nil
	}
	return out
}

// DecodeKey decodes the value for key into out, for structured values
// like merge parent lists.
func (d *Document) DecodeKey(key string, out any) error {
	n := d.lookup(key)
	if n == nil {
		return nil
	}
	if err := n.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Set writes value under key, replacing the existing value node in
// place so key order is preserved. New keys append at the end.
func (d *Document) Set(key string, value any) error {
	node, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		if d.mapping.Content[i].Value == key {
			d.mapping.Content[i+1] = node
			return nil
		}
	}
	d.mapping.Content = append(d.mapping.Content, scalarNode(key), node)
	return nil
}

// SetMapKey updates one entry of a nested string mapping (for example
// stage_statuses), creating the mapping if absent and preserving the
// order of existing entries.
func (d *Document) SetMapKey(mapKey, key, value string) error {
	m := d.lookup(mapKey)
	if m == nil {
		m = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		d.mapping.Content = append(d.mapping.Content, scalarNode(mapKey), m)
	}
	if m.Kind != yaml.MappingNode {
		return fmt.Errorf("%s is not a mapping", mapKey)
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = scalarNode(value)
			return nil
		}
	}
	m.Style = 0
	m.Content = append(m.Content, scalarNode(key), scalarNode(value))
	return nil
}

// Delete removes key from the header if present.
func (d *Document) Delete(key string) {
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		if d.mapping.Content[i].Value == key {
			d.mapping.Content = append(d.mapping.Content[:i], d.mapping.Content[i+2:]...)
			return
		}
	}
}

// Bytes renders the document back to file content.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	if len(d.mapping.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d.mapping); err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode frontmatter: %w", err)
		}
	}
	buf.WriteString(delimiter + "\n")
	buf.WriteString(d.body)
	return buf.Bytes(), nil
}

// Write persists the document back to the path it was read from.
func (d *Document) Write() error {
	if d.path == "" {
		return fmt.Errorf("document has no path")
	}
	return d.WriteTo(d.path)
}

// WriteTo persists the document to path atomically.
func (d *Document) WriteTo(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	d.path = path
	return nil
}

func encodeValue(value any) (*yaml.Node, error) {
	if n, ok := value.(*yaml.Node); ok {
		return n, nil
	}
	var n yaml.Node
	if err := n.Encode(value); err != nil {
		return nil, err
	}
	return &n, nil
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}
