package unit

import (
	"fmt"
	"sort"
)

// Relation is a typed edge between two units. Every relation has an inverse
// that is recorded on the other unit.
type Relation int

const (
	RelRequires Relation = iota
	RelRequisite
	RelWants
	RelBindsTo
	RelPartOf
	RelRequiredBy
	RelRequisiteOf
	RelWantedBy
	RelBoundBy
	RelConsistsOf
	RelConflicts
	RelConflictedBy
	RelBefore
	RelAfter
	RelOnFailure
	RelOnFailureOf
	RelOnSuccess
	RelOnSuccessOf
	RelTriggers
	RelTriggeredBy
	relMax
)

var relationNames = [...]string{
	"Requires", "Requisite", "Wants", "BindsTo", "PartOf",
	"RequiredBy", "RequisiteOf", "WantedBy", "BoundBy", "ConsistsOf",
	"Conflicts", "ConflictedBy", "Before", "After",
	"OnFailure", "OnFailureOf", "OnSuccess", "OnSuccessOf",
	"Triggers", "TriggeredBy",
}

func (r Relation) String() string {
	if r >= 0 && r < relMax {
		return relationNames[r]
	}
	return "invalid"
}

// ParseRelation is the inverse of String.
func ParseRelation(s string) (Relation, error) {
	for i, n := range relationNames {
		if n == s {
			return Relation(i), nil
		}
	}
	return relMax, fmt.Errorf("unknown relation %q", s)
}

var relationInverse = [...]Relation{
	RelRequires:     RelRequiredBy,
	RelRequisite:    RelRequisiteOf,
	RelWants:        RelWantedBy,
	RelBindsTo:      RelBoundBy,
	RelPartOf:       RelConsistsOf,
	RelRequiredBy:   RelRequires,
	RelRequisiteOf:  RelRequisite,
	RelWantedBy:     RelWants,
	RelBoundBy:      RelBindsTo,
	RelConsistsOf:   RelPartOf,
	RelConflicts:    RelConflictedBy,
	RelConflictedBy: RelConflicts,
	RelBefore:       RelAfter,
	RelAfter:        RelBefore,
	RelOnFailure:    RelOnFailureOf,
	RelOnFailureOf:  RelOnFailure,
	RelOnSuccess:    RelOnSuccessOf,
	RelOnSuccessOf:  RelOnSuccess,
	RelTriggers:     RelTriggeredBy,
	RelTriggeredBy:  RelTriggers,
}

// Inverse returns the relation recorded on the other side.
func (r Relation) Inverse() Relation { return relationInverse[r] }

// Atom is a behavior a relation carries. The lifecycle code asks for units by
// atom rather than by relation.
type Atom uint32

const (
	AtomPullInStart Atom = 1 << iota
	AtomPullInStartIgnored
	AtomPullInVerify
	AtomPullInStop
	AtomPullInStopIgnored
	AtomPropagateStop
	AtomPropagateStartFailure
	AtomCannotBeActiveWithout
	AtomOnFailure
	AtomOnSuccess
	AtomTriggers
	AtomTriggeredBy
	AtomBefore
	AtomAfter
	AtomDefaultTargetDeps
)

var relationAtoms = [...]Atom{
	RelRequires:     AtomPullInStart | AtomDefaultTargetDeps,
	RelRequisite:    AtomPullInVerify,
	RelWants:        AtomPullInStartIgnored | AtomDefaultTargetDeps,
	RelBindsTo:      AtomPullInStart | AtomCannotBeActiveWithout,
	RelPartOf:       0,
	RelRequiredBy:   AtomPropagateStop | AtomPropagateStartFailure,
	RelRequisiteOf:  AtomPropagateStop | AtomPropagateStartFailure,
	RelWantedBy:     0,
	RelBoundBy:      AtomPropagateStop | AtomPropagateStartFailure,
	RelConsistsOf:   AtomPropagateStop,
	RelConflicts:    AtomPullInStop,
	RelConflictedBy: AtomPullInStopIgnored,
	RelBefore:       AtomBefore,
	RelAfter:        AtomAfter,
	RelOnFailure:    AtomOnFailure,
	RelOnFailureOf:  0,
	RelOnSuccess:    AtomOnSuccess,
	RelOnSuccessOf:  0,
	RelTriggers:     AtomTriggers,
	RelTriggeredBy:  AtomTriggeredBy,
}

// Atoms returns the behaviors of r.
func (r Relation) Atoms() Atom { return relationAtoms[r] }

type idSet map[string]struct{}

// depDB holds every dependency edge, both directions.
type depDB struct {
	m map[string]map[Relation]idSet
}

func newDepDB() *depDB { return &depDB{m: make(map[string]map[Relation]idSet)} }

func (d *depDB) set(a string, rel Relation, b string) bool {
	rels, ok := d.m[a]
	if !ok {
		rels = make(map[Relation]idSet)
		d.m[a] = rels
	}
	ids, ok := rels[rel]
	if !ok {
		ids = make(idSet)
		rels[rel] = ids
	}
	if _, ok := ids[b]; ok {
		return false
	}
	ids[b] = struct{}{}
	return true
}

// add records a -rel-> b and b -inverse-> a. It reports whether anything
// was new.
func (d *depDB) add(a string, rel Relation, b string) bool {
	n1 := d.set(a, rel, b)
	n2 := d.set(b, rel.Inverse(), a)
	return n1 || n2
}

func (d *depDB) has(a string, rel Relation, b string) bool {
	_, ok := d.m[a][rel][b]
	return ok
}

func (d *depDB) gets(id string, rel Relation) []string {
	return sortedIDs(d.m[id][rel])
}

func (d *depDB) getsAtom(id string, atom Atom) []string {
	out := make(idSet)
	for rel, ids := range d.m[id] {
		if rel.Atoms()&atom == 0 {
			continue
		}
		for other := range ids {
			out[other] = struct{}{}
		}
	}
	return sortedIDs(out)
}

// remove drops every edge of id on both sides.
func (d *depDB) remove(id string) {
	for rel, ids := range d.m[id] {
		inv := rel.Inverse()
		for other := range ids {
			delete(d.m[other][inv], id)
		}
	}
	delete(d.m, id)
}

// snapshot returns id's edges keyed by relation name.
func (d *depDB) snapshot(id string) map[string][]string {
	rels := d.m[id]
	if len(rels) == 0 {
		return nil
	}
	out := make(map[string][]string, len(rels))
	for rel, ids := range rels {
		if len(ids) > 0 {
			out[rel.String()] = sortedIDs(ids)
		}
	}
	return out
}

func (d *depDB) restore(id string, snap map[string][]string) error {
	for name, ids := range snap {
		rel, err := ParseRelation(name)
		if err != nil {
			return err
		}
		for _, other := range ids {
			d.add(id, rel, other)
		}
	}
	return nil
}

func sortedIDs(s idSet) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
