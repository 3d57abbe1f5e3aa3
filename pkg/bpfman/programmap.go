package bpfman

import "sort"

// ProgramMap is the in-memory index of loaded programs by kernel id (spec
// §4.1). It is only ever mutated by the Program manager's single task.
type ProgramMap struct {
	programs map[uint32]*Program
}

func newProgramMap() *ProgramMap {
	return &ProgramMap{programs: make(map[uint32]*Program)}
}

func (m *ProgramMap) insert(id uint32, p *Program) {
	m.programs[id] = p
}

func (m *ProgramMap) remove(id uint32) (*Program, bool) {
	p, ok := m.programs[id]
	if ok {
		delete(m.programs, id)
	}
	return p, ok
}

func (m *ProgramMap) get(id uint32) (*Program, bool) {
	p, ok := m.programs[id]
	return p, ok
}

// programsFor returns every program sharing the given (kind, if_index,
// direction), in map-iteration (unspecified) order.
func (m *ProgramMap) programsFor(kind Kind, ifIndex uint32, direction Direction) []*Program {
	var out []*Program
	for _, p := range m.programs {
		if p.Kind == kind && p.IfIndex == ifIndex && p.Direction == direction {
			out = append(out, p)
		}
	}
	return out
}

// sortKey implements spec invariant 2: (priority asc, already-attached
// first, name lexicographic asc).
func sortKey(ps []*Program) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		ai, bi := a.AttachState == Attached, b.AttachState == Attached
		if ai != bi {
			return ai // attached programs sort first
		}
		return a.Name < b.Name
	})
}

// addAndSetPositions appends program to the filter view for its (kind,
// if_index, direction), sorts the combined set by the ordering key, and
// assigns positions 0..N-1 (spec §4.1). It returns the ordered set,
// program included, for the caller to hand to the Dispatcher engine.
func (m *ProgramMap) addAndSetPositions(program *Program) []*Program {
	extensions := m.programsFor(program.Kind, program.IfIndex, program.Direction)
	extensions = append(extensions, program)
	sortKey(extensions)
	for i, p := range extensions {
		p.Position = i
	}
	return extensions
}

// setPositions re-sorts and renumbers the filter view for (kind, if_index,
// direction) without adding a new member; used after removal and during
// rebuild (spec §4.1). It returns the ordered set.
func (m *ProgramMap) setPositions(kind Kind, ifIndex uint32, direction Direction) []*Program {
	extensions := m.programsFor(kind, ifIndex, direction)
	sortKey(extensions)
	for i, p := range extensions {
		p.Position = i
	}
	return extensions
}

// programsIter returns every managed program keyed by kernel id.
func (m *ProgramMap) programsIter() map[uint32]*Program {
	return m.programs
}
