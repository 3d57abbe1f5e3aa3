package bpfman

import "testing"

func TestSortKeyOrdering(t *testing.T) {
	// Priority ascending; ties broken by attached-first, then name.
	ps := []*Program{
		{Name: "c", Priority: 10, AttachState: Detached},
		{Name: "a", Priority: 5, AttachState: Detached},
		{Name: "b", Priority: 5, AttachState: Attached},
		{Name: "d", Priority: 5, AttachState: Attached},
	}
	sortKey(ps)

	wantOrder := []string{"b", "d", "a", "c"}
	for i, name := range wantOrder {
		if ps[i].Name != name {
			t.Fatalf("position %d: got %q, want %q (full order: %v)", i, ps[i].Name, name, namesOf(ps))
		}
	}
}

func namesOf(ps []*Program) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

func TestAddAndSetPositions(t *testing.T) {
	m := newProgramMap()
	existing := &Program{Name: "existing", Kind: Xdp, IfIndex: 2, Priority: 50}
	m.insert(1, existing)

	next := &Program{Name: "next", Kind: Xdp, IfIndex: 2, Priority: 10}
	ordered := m.addAndSetPositions(next)

	if len(ordered) != 2 {
		t.Fatalf("addAndSetPositions returned %d programs, want 2", len(ordered))
	}
	if ordered[0] != next || next.Position != 0 {
		t.Errorf("lower-priority program should sort first with position 0, got order %v", namesOf(ordered))
	}
	if ordered[1] != existing || existing.Position != 1 {
		t.Errorf("existing program should be renumbered to position 1, got Position=%d", existing.Position)
	}
}

func TestSetPositionsScopesByIfaceAndDirection(t *testing.T) {
	m := newProgramMap()
	m.insert(1, &Program{Name: "a", Kind: Tc, IfIndex: 2, Direction: Ingress, Priority: 1})
	m.insert(2, &Program{Name: "b", Kind: Tc, IfIndex: 2, Direction: Egress, Priority: 1})
	m.insert(3, &Program{Name: "c", Kind: Tc, IfIndex: 3, Direction: Ingress, Priority: 1})

	ordered := m.setPositions(Tc, 2, Ingress)
	if len(ordered) != 1 || ordered[0].Name != "a" {
		t.Fatalf("setPositions(Tc, 2, Ingress) = %v, want only program a", namesOf(ordered))
	}
}

func TestProgramMapRemove(t *testing.T) {
	m := newProgramMap()
	p := &Program{Name: "x"}
	m.insert(7, p)

	got, ok := m.remove(7)
	if !ok || got != p {
		t.Fatalf("remove(7) = (%v, %v), want (p, true)", got, ok)
	}
	if _, ok := m.get(7); ok {
		t.Error("expected program 7 to be gone after remove")
	}
}
