package services

import (
	"slices"

	catalogtypes "github.com/gridvault/gridvault/modules/catalog/domain/types"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
)

// threeWayDiff compares an instance's definition and an incoming version
// against the base version the instance last synced from. The merge result
// is the instance definition with every incoming-changed section replaced by
// the incoming value; overlap lists the sections changed on both sides, which
// block a safe apply.
type threeWayDiff struct {
	localChanged    []string
	incomingChanged []string
	overlap         []string
}

func diffThreeWay(base, local, incoming catalogtypes.Definition) (threeWayDiff, error) {
	localChanged, err := catalogtypes.ChangedSections(base, local)
	if err != nil {
		return threeWayDiff{}, err
	}
	incomingChanged, err := catalogtypes.ChangedSections(base, incoming)
	if err != nil {
		return threeWayDiff{}, err
	}
	return threeWayDiff{
		localChanged:    localChanged,
		incomingChanged: incomingChanged,
		overlap:         intersect(localChanged, incomingChanged),
	}, nil
}

func (d threeWayDiff) merge(local, incoming catalogtypes.Definition) catalogtypes.Definition {
	merged := local
	for _, name := range d.incomingChanged {
		merged = merged.WithSection(name, incoming.Section(name))
	}
	return merged
}

func (d threeWayDiff) conflicts(local, incoming catalogtypes.Definition) []types.FieldConflict {
	out := make([]types.FieldConflict, 0, len(d.overlap))
	for _, name := range d.overlap {
		out = append(out, types.FieldConflict{
			Field:    name,
			Local:    local.Section(name),
			Incoming: incoming.Section(name),
		})
	}
	return out
}

// localOnly lists local edits the incoming version leaves alone; they survive
// an apply_new resolution.
func (d threeWayDiff) localOnly() []string {
	var out []string
	for _, name := range d.localChanged {
		if !slices.Contains(d.incomingChanged, name) {
			out = append(out, name)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}
