// Package attrtable keeps the human-readable sidecar that maps an attached
// name to the object key and debug string committed with it. The sidecar is
// diagnostic only, so loading never fails hard.
package attrtable

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Attribute is one sidecar entry.
type Attribute struct {
	Name   string `yaml:"-"`
	Object string `yaml:"object"`
	Value  string `yaml:"value"`
}

// Key parses Object back into the archive key.
func (a Attribute) Key() (uint64, error) {
	return strconv.ParseUint(a.Object, 16, 64)
}

type Table struct {
	attrs []Attribute
}

// NameForKey is used when a commit carries a string but no name.
func NameForKey(key uint64) string {
	return FormatKey(key)
}

func FormatKey(key uint64) string {
	return fmt.Sprintf("%016x", key)
}

// Load reads the sidecar at path. A missing file is an empty table. A
// damaged file yields an empty table together with the parse error so the
// caller can log it.
func Load(path string) (*Table, error) {
	t := &Table{}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return t, fmt.Errorf("unable to read string table: %w", err)
	}

	if err := t.decode(raw); err != nil {
		return &Table{}, err
	}

	return t, nil
}

func (t *Table) decode(raw []byte) error {
	parsed := map[string]Attribute{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("unable to parse string table: %w", err)
	}

	t.attrs = t.attrs[:0]
	for name, attr := range parsed {
		attr.Name = name
		t.attrs = append(t.attrs, attr)
	}

	slices.SortFunc(t.attrs, func(a, b Attribute) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return nil
}

func (t *Table) find(name string) (int, bool) {
	return slices.BinarySearchFunc(t.attrs, name, func(a Attribute, n string) int {
		return cmp.Compare(a.Name, n)
	})
}

// Merge sets the entry for name, overwriting an existing one. An empty name
// falls back to the hex form of key.
func (t *Table) Merge(name string, key uint64, value string) {
	if name == "" {
		name = NameForKey(key)
	}

	attr := Attribute{Name: name, Object: FormatKey(key), Value: value}

	idx, found := t.find(name)
	if found {
		t.attrs[idx] = attr
		return
	}

	t.attrs = slices.Insert(t.attrs, idx, attr)
}

func (t *Table) Get(name string) (Attribute, bool) {
	idx, found := t.find(name)
	if !found {
		return Attribute{}, false
	}
	return t.attrs[idx], true
}

// LookupKey returns every attribute recorded for key.
func (t *Table) LookupKey(key uint64) []Attribute {
	object := FormatKey(key)

	var result []Attribute
	for _, a := range t.attrs {
		if a.Object == object {
			result = append(result, a)
		}
	}
	return result
}

func (t *Table) Len() int {
	return len(t.attrs)
}

// Attributes returns the entries ordered by name.
func (t *Table) Attributes() []Attribute {
	return slices.Clone(t.attrs)
}

// Encode renders the table as a YAML mapping ordered by name.
func (t *Table) Encode() ([]byte, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, a := range t.attrs {
		var value yaml.Node
		if err := value.Encode(a); err != nil {
			return nil, fmt.Errorf("unable to encode attribute %q: %w", a.Name, err)
		}

		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: a.Name},
			&value,
		)
	}

	return yaml.Marshal(node)
}
