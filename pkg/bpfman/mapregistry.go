package bpfman

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// MapRegistry tracks which program owns each shared-map directory and
// which programs reference it (spec §4.4). The directory layout is
// <mapsDir>/<owner_id>.
type MapRegistry struct {
	mapsDir string
	log     logr.Logger
	maps    map[uint32]*Map
}

func newMapRegistry(mapsDir string, log logr.Logger) *MapRegistry {
	return &MapRegistry{mapsDir: mapsDir, log: log, maps: make(map[uint32]*Map)}
}

func (r *MapRegistry) pinPath(owner uint32) string {
	return filepath.Join(r.mapsDir, fmt.Sprint(owner))
}

// isValidOwner reports whether m currently owns a map directory.
func (r *MapRegistry) isValidOwner(m uint32) bool {
	_, ok := r.maps[m]
	return ok
}

// save records program's map ownership (spec §4.4 save). If mapOwnerId is
// set, id is appended to that owner's used_by list and every program
// sharing it gets its in-memory MapsUsedBy updated; otherwise a fresh
// registry entry is created and group permissions are applied to the
// entries inside the map directory.
func (r *MapRegistry) save(programs *ProgramMap, program *Program, id uint32, mapOwnerId *uint32) error {
	if mapOwnerId != nil {
		m, ok := r.maps[*mapOwnerId]
		if !ok {
			return newErr(ErrGeneric, "map_owner_id does not exist")
		}
		m.UsedBy = append(m.UsedBy, id)
		program.MapsUsedBy = append([]uint32(nil), m.UsedBy...)
		for _, usedByID := range m.UsedBy {
			if p, ok := programs.get(usedByID); ok {
				p.MapsUsedBy = append([]uint32(nil), m.UsedBy...)
			}
		}
		return nil
	}

	r.maps[id] = &Map{OwnerId: id, UsedBy: []uint32{id}}
	program.MapsUsedBy = []uint32{id}

	if program.MapPinPath == "" {
		return newErr(ErrGeneric, fmt.Sprintf("map_pin_path should be set for %d", id))
	}
	if err := setDirGroupPermissions(program.MapPinPath); err != nil {
		r.log.V(1).Info("unable to set map directory permissions", "path", program.MapPinPath, "err", err)
	}
	return nil
}

// delete removes id from the used_by list keyed by mapOwnerId (or id
// itself if mapOwnerId is nil). When the list empties, the directory and
// registry entry are destroyed; otherwise the remaining sharers' in-memory
// MapsUsedBy are updated (spec §4.4 delete).
func (r *MapRegistry) delete(programs *ProgramMap, id uint32, mapOwnerId *uint32) error {
	key := id
	if mapOwnerId != nil {
		key = *mapOwnerId
	}

	m, ok := r.maps[key]
	if !ok {
		return newErr(ErrGeneric, "map_pin_path does not exist")
	}

	for i, v := range m.UsedBy {
		if v == id {
			m.UsedBy[i] = m.UsedBy[len(m.UsedBy)-1]
			m.UsedBy = m.UsedBy[:len(m.UsedBy)-1]
			break
		}
	}

	if len(m.UsedBy) == 0 {
		delete(r.maps, key)
		if err := os.RemoveAll(r.pinPath(key)); err != nil {
			return wrapErr(ErrGeneric, "can't delete map dir", err)
		}
		return nil
	}

	for _, usedByID := range m.UsedBy {
		if p, ok := programs.get(usedByID); ok {
			p.MapsUsedBy = append([]uint32(nil), m.UsedBy...)
		}
	}
	return nil
}

// cleanupOnFailedLoad removes the map directory at path if mapOwnerId is
// nil (this program would have owned it); best-effort, errors are logged
// not returned (spec §4.4, §7 policy on filesystem cleanup).
func (r *MapRegistry) cleanupOnFailedLoad(path string, mapOwnerId *uint32) {
	if mapOwnerId != nil {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		r.log.V(1).Info("best-effort map directory cleanup failed", "path", path, "err", err)
	}
}

// rebuildEntry replays map-registry state for a reconstructed program
// during startup rebuild (spec §4.6 step 2).
func (r *MapRegistry) rebuildEntry(programs *ProgramMap, id uint32, program *Program) {
	key := id
	if program.MapOwnerId != nil {
		key = *program.MapOwnerId
	}

	if m, ok := r.maps[key]; ok {
		m.UsedBy = append(m.UsedBy, id)
		program.MapsUsedBy = append([]uint32(nil), m.UsedBy...)
		for _, usedByID := range m.UsedBy {
			if p, ok := programs.get(usedByID); ok {
				p.MapsUsedBy = append([]uint32(nil), m.UsedBy...)
			}
		}
		return
	}

	r.maps[key] = &Map{OwnerId: key, UsedBy: []uint32{id}}
	program.MapsUsedBy = []uint32{id}
}
