package types

import (
	"bytes"
	"encoding/json"

	"github.com/gridvault/gridvault/pkg/httperr"
)

// Definition is a full snapshot of a view's rendering configuration. It is
// compared and diffed section by section; each section is opaque JSON.
type Definition struct {
	Columns  json.RawMessage `json:"columns,omitempty"`
	Filters  json.RawMessage `json:"filters,omitempty"`
	Grouping json.RawMessage `json:"grouping,omitempty"`
	Charts   json.RawMessage `json:"charts,omitempty"`
}

// SectionNames is the fixed diff granularity: a local edit or an incoming
// change touches whole sections, never sub-paths inside one.
var SectionNames = []string{"columns", "filters", "grouping", "charts"}

func (d Definition) Section(name string) json.RawMessage {
	switch name {
	case "columns":
		return d.Columns
	case "filters":
		return d.Filters
	case "grouping":
		return d.Grouping
	case "charts":
		return d.Charts
	default:
		return nil
	}
}

func (d Definition) WithSection(name string, raw json.RawMessage) Definition {
	switch name {
	case "columns":
		d.Columns = raw
	case "filters":
		d.Filters = raw
	case "grouping":
		d.Grouping = raw
	case "charts":
		d.Charts = raw
	}
	return d
}

func (d Definition) Validate() error {
	for _, name := range SectionNames {
		raw := d.Section(name)
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return httperr.NewBadRequest("definition section " + name + " is not valid JSON")
		}
	}
	return nil
}

// Canonical renders the definition as byte-stable JSON: object keys sorted,
// no insignificant whitespace. Equal definitions always canonicalize to equal
// bytes, which is what version immutability and diffing are checked against.
func (d Definition) Canonical() ([]byte, error) {
	out := map[string]any{}
	for _, name := range SectionNames {
		raw := d.Section(name)
		if len(raw) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return json.Marshal(out)
}

// Canonicalized returns the definition with every section rewritten to its
// canonical bytes. Versions are stored in this form so every subsequent read
// is byte-identical.
func (d Definition) Canonicalized() (Definition, error) {
	out := d
	for _, name := range SectionNames {
		raw, err := CanonicalSection(d.Section(name))
		if err != nil {
			return Definition{}, err
		}
		out = out.WithSection(name, raw)
	}
	return out, nil
}

// CanonicalSection canonicalizes one section; an absent section yields nil.
func CanonicalSection(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// SectionsEqual compares two sections on canonical bytes.
func SectionsEqual(a, b json.RawMessage) (bool, error) {
	ca, err := CanonicalSection(a)
	if err != nil {
		return false, err
	}
	cb, err := CanonicalSection(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// DefinitionsEqual compares two full definitions on canonical bytes.
func DefinitionsEqual(a, b Definition) (bool, error) {
	ca, err := a.Canonical()
	if err != nil {
		return false, err
	}
	cb, err := b.Canonical()
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// ChangedSections lists the sections whose canonical bytes differ between
// base and next, in SectionNames order.
func ChangedSections(base, next Definition) ([]string, error) {
	var out []string
	for _, name := range SectionNames {
		eq, err := SectionsEqual(base.Section(name), next.Section(name))
		if err != nil {
			return nil, err
		}
		if !eq {
			out = append(out, name)
		}
	}
	return out, nil
}
