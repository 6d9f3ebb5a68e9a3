package transform

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"tickpipe/internal/pipeerr"
)

// Spec is an ordered list of derivations.
type Spec []Derivation

// Kinds lists the step kinds in order.
func (s Spec) Kinds() []string {
	out := make([]string, len(s))
	for i, d := range s {
		out[i] = d.Kind()
	}
	return out
}

// plan is a Spec resolved against a concrete input schema.
type plan struct {
	in, out *arrow.Schema

	// lineage maps output columns that carry an input column through
	// unchanged (possibly renamed) to that input column.
	lineage map[string]string

	// needed lists the input columns the row and frame strategies have to
	// materialize.
	needed []string
}

func newPlan(in *arrow.Schema, spec Spec) (*plan, error) {
	p := &plan{in: in, lineage: make(map[string]string, in.NumFields()), needed: []string{}}
	for _, f := range in.Fields() {
		p.lineage[f.Name] = f.Name
	}
	seen := map[string]bool{}
	cur := in
	for i, d := range spec {
		for _, c := range d.Inputs() {
			if src, ok := p.lineage[c]; ok && !seen[src] {
				seen[src] = true
				p.needed = append(p.needed, src)
			}
		}
		out, err := d.Plan(cur)
		if err != nil {
			return nil, pipeerr.New(pipeerr.ConfigError, stage, fmt.Sprintf("transform[%d] %s", i, d.Kind()), err)
		}
		if r, ok := d.(*Rename); ok {
			if src, ok := p.lineage[r.From]; ok {
				delete(p.lineage, r.From)
				p.lineage[r.To] = src
			}
		}
		for _, c := range d.Produces() {
			delete(p.lineage, c)
		}
		for name := range p.lineage {
			if out.FieldIndices(name) == nil {
				delete(p.lineage, name)
			}
		}
		cur = out
	}
	p.out = cur
	return p, nil
}

// derived reports whether output column name is computed rather than
// carried through.
func (p *plan) derived(name string) bool {
	_, ok := p.lineage[name]
	return !ok
}
