package bpfman

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Rebuild reconstructs in-memory state from the persistent store on
// startup (spec §4.6): every program tree becomes a Program, map ownership
// is replayed, and the dispatcher pin for each (kind, if_index, direction)
// group still present in the kernel is reopened into the DispatcherMap.
// A tree that cannot be parsed is dropped rather than aborting the whole
// rebuild (SPEC_FULL "rebuild drops broken persistent trees").
func (m *Manager) Rebuild() error {
	names, err := m.store.TreeNames()
	if err != nil {
		return wrapErr(ErrGeneric, "list persisted program trees", err)
	}

	for _, name := range names {
		id64, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			m.log.V(1).Info("dropping persistent tree with non-numeric name", "name", name)
			_ = m.store.DropTree(name)
			continue
		}
		id := uint32(id64)

		tree, err := m.store.OpenTree(name)
		if err != nil {
			m.log.Error(err, "open persistent tree during rebuild", "id", id)
			continue
		}

		program, err := loadProgram(id, tree)
		if err != nil {
			m.log.Info("dropping unreadable persistent program tree", "id", id, "err", err.Error())
			_ = m.store.DropTree(name)
			continue
		}

		m.programs.insert(id, program)
		m.mapRegistry.rebuildEntry(m.programs, id, program)
	}

	return m.rebuildDispatchers()
}

// rebuildDispatcherGroup identifies one (kind, if_index, direction) chain.
type rebuildDispatcherGroup struct {
	id       DispatcherId
	ifName   string
	programs []*Program
}

// rebuildDispatchers re-derives chain positions for every filter-program
// group the rebuilt ProgramMap now holds, and reopens each group's
// dispatcher pin so DispatcherMap reflects what the kernel already has
// loaded (spec §4.6 step 3; the dispatcher bytecode itself is not
// reattached, only its handle is reopened for future build()/delete()
// calls).
func (m *Manager) rebuildDispatchers() error {
	groups := make(map[DispatcherId]*rebuildDispatcherGroup)

	for _, p := range m.programs.programsIter() {
		if !p.IsFilter() {
			continue
		}
		id, ok := p.DispatcherId()
		if !ok {
			continue
		}
		g, ok := groups[id]
		if !ok {
			g = &rebuildDispatcherGroup{id: id, ifName: ifaceNameFromAttach(p)}
			groups[id] = g
		}
		g.programs = append(g.programs, p)
	}

	for id, g := range groups {
		ordered := m.programs.setPositions(id.Kind, id.IfIndex, id.Direction)
		m.persistPositions(ordered, nil)

		pinPath, revision, found := m.latestDispatcherPin(id)
		if !found {
			m.log.Info("no dispatcher pin found for rebuilt filter programs; it will be rebuilt on next change", "id", id.String())
			continue
		}

		handle, err := m.kernel.LoadDispatcherPin(pinPath)
		if err != nil {
			m.log.Error(err, "reopen dispatcher pin during rebuild", "id", id.String(), "path", pinPath)
			continue
		}

		m.dispatchers.insert(id, &Dispatcher{
			Id:            id,
			IfName:        g.ifName,
			Revision:      revision,
			NumExtensions: len(g.programs),
			PinPath:       pinPath,
			programHandle: handle,
		})
	}

	return nil
}

// latestDispatcherPin scans the dispatcher directory for id's kind/
// direction for the highest-revision pin belonging to id.IfIndex, the way
// rebuild_dispatcher_state re-derives the active generation without a
// separate dispatcher-revision record (spec §4.6 step 3).
func (m *Manager) latestDispatcherPin(id DispatcherId) (path string, revision uint32, found bool) {
	dir := m.dispatcherEngine.dirFor(id.Kind, id.Direction)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, false
	}

	prefix := fmt.Sprintf("%d_", id.IfIndex)
	var best uint32
	var bestName string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rev, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
		if err != nil {
			continue
		}
		if bestName == "" || uint32(rev) > best {
			best = uint32(rev)
			bestName = name
		}
	}
	if bestName == "" {
		return "", 0, false
	}
	return dir + "/" + bestName, best, true
}

func ifaceNameFromAttach(p *Program) string {
	switch p.Kind {
	case Xdp:
		if p.Xdp != nil {
			return p.Xdp.IfaceName
		}
	case Tc:
		if p.Tc != nil {
			return p.Tc.IfaceName
		}
	}
	return ""
}
