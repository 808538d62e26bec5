package types

import (
	"strings"

	"github.com/gridvault/gridvault/pkg/httperr"
)

// RefKind is the class of entity a view scope may include.
type RefKind string

const (
	RefProject  RefKind = "project"
	RefAsset    RefKind = "asset"
	RefDocument RefKind = "document"
	RefField    RefKind = "field"
)

// EntityRef identifies one entity of the owning organization. The ref never
// carries an organization id: scope is always evaluated relative to the view
// owner's data.
type EntityRef struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

func (r EntityRef) Key() string { return string(r.Kind) + ":" + r.ID }

func (r EntityRef) Validate() error {
	switch r.Kind {
	case RefProject, RefAsset, RefDocument, RefField:
	default:
		return httperr.NewBadRequest("invalid entity kind")
	}
	if strings.TrimSpace(r.ID) == "" {
		return httperr.NewBadRequest("entity id is required")
	}
	return nil
}

// ParseRef parses "kind:id" as produced by Key.
func ParseRef(s string) (EntityRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return EntityRef{}, httperr.NewBadRequest("invalid entity ref")
	}
	ref := EntityRef{Kind: RefKind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// RefSet is a membership index over entity refs.
type RefSet map[string]struct{}

func NewRefSet(refs []EntityRef) RefSet {
	set := make(RefSet, len(refs))
	for _, r := range refs {
		set[r.Key()] = struct{}{}
	}
	return set
}

func (s RefSet) Contains(r EntityRef) bool {
	_, ok := s[r.Key()]
	return ok
}

func (s RefSet) Remove(refs []EntityRef) {
	for _, r := range refs {
		delete(s, r.Key())
	}
}
