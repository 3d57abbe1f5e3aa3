package bpfman

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Persistent store attribute keys (spec §6: "within a program tree, the
// core writes attribute keys ... the exact key names are private to the
// implementation but must be stable across restarts").
const (
	keyID          = "id"
	keyKind        = "kind"
	keyName        = "name"
	keySection     = "section"
	keyMapOwnerID  = "map_owner_id"
	keyMapsUsedBy  = "maps_used_by"
	keyMapPinPath  = "map_pin_path"
	keyAttachState = "attach_state"
	keyIfIndex     = "if_index"
	keyDirection   = "direction"
	keyPriority    = "priority"
	keyPosition    = "position"
	keyGlobalData  = "global_data"
	keyAttach      = "attach"
	keyProgPinPath = "program_pin_path"
	keyLinkPins    = "link_pin_paths"
)

// persistProgram writes every attribute of p into tree. Program bytes are never
// written (spec invariant 7).
func persistProgram(tree Tree, p *Program) error {
	put := func(key string, v string) error { return tree.Put(key, []byte(v)) }

	if err := put(keyID, strconv.FormatUint(uint64(p.Id), 10)); err != nil {
		return err
	}
	if err := put(keyKind, strconv.Itoa(int(p.Kind))); err != nil {
		return err
	}
	if err := put(keyName, p.Name); err != nil {
		return err
	}
	if err := put(keySection, p.SectionName); err != nil {
		return err
	}
	if err := put(keyMapPinPath, p.MapPinPath); err != nil {
		return err
	}
	if err := put(keyProgPinPath, p.ProgramPinPath); err != nil {
		return err
	}
	if err := put(keyAttachState, strconv.Itoa(int(p.AttachState))); err != nil {
		return err
	}
	if err := put(keyIfIndex, strconv.FormatUint(uint64(p.IfIndex), 10)); err != nil {
		return err
	}
	if err := put(keyDirection, strconv.Itoa(int(p.Direction))); err != nil {
		return err
	}
	if err := put(keyPriority, strconv.Itoa(int(p.Priority))); err != nil {
		return err
	}
	if err := put(keyPosition, strconv.Itoa(p.Position)); err != nil {
		return err
	}

	if p.MapOwnerId != nil {
		if err := put(keyMapOwnerID, strconv.FormatUint(uint64(*p.MapOwnerId), 10)); err != nil {
			return err
		}
	}

	usedBy, err := json.Marshal(p.MapsUsedBy)
	if err != nil {
		return fmt.Errorf("marshal maps_used_by: %w", err)
	}
	if err := tree.Put(keyMapsUsedBy, usedBy); err != nil {
		return err
	}

	global, err := json.Marshal(p.GlobalData)
	if err != nil {
		return fmt.Errorf("marshal global_data: %w", err)
	}
	if err := tree.Put(keyGlobalData, global); err != nil {
		return err
	}

	linkPins, err := json.Marshal(p.LinkPinPaths)
	if err != nil {
		return fmt.Errorf("marshal link_pin_paths: %w", err)
	}
	if err := tree.Put(keyLinkPins, linkPins); err != nil {
		return err
	}

	attach, err := json.Marshal(attachUnion{
		Xdp:        p.Xdp,
		Tc:         p.Tc,
		Tracepoint: p.Tracepoint,
		Kprobe:     p.Kprobe,
		Uprobe:     p.Uprobe,
	})
	if err != nil {
		return fmt.Errorf("marshal attach params: %w", err)
	}
	return tree.Put(keyAttach, attach)
}

// attachUnion is the on-disk representation of a Program's kind-specific
// attach parameters; exactly one field is non-nil.
type attachUnion struct {
	Xdp        *XdpAttachInfo        `json:"xdp,omitempty"`
	Tc         *TcAttachInfo         `json:"tc,omitempty"`
	Tracepoint *TracepointAttachInfo `json:"tracepoint,omitempty"`
	Kprobe     *KprobeAttachInfo     `json:"kprobe,omitempty"`
	Uprobe     *UprobeAttachInfo     `json:"uprobe,omitempty"`
}

// loadProgram reconstructs a Program from a tree, the way
// Program::new_from_db does in the original (spec §4.6).
func loadProgram(id uint32, tree Tree) (*Program, error) {
	get := func(key string) (string, error) {
		v, ok, err := tree.Get(key)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("missing key %q", key)
		}
		return string(v), nil
	}

	kindStr, err := get(keyKind)
	if err != nil {
		return nil, err
	}
	kindInt, err := strconv.Atoi(kindStr)
	if err != nil {
		return nil, fmt.Errorf("invalid kind %q: %w", kindStr, err)
	}

	name, err := get(keyName)
	if err != nil {
		return nil, err
	}
	section, _ := get(keySection)

	mapPinPath, _ := get(keyMapPinPath)
	progPinPath, _ := get(keyProgPinPath)

	attachStateStr, err := get(keyAttachState)
	if err != nil {
		return nil, err
	}
	attachStateInt, _ := strconv.Atoi(attachStateStr)

	ifIndexStr, _ := get(keyIfIndex)
	ifIndex, _ := strconv.ParseUint(ifIndexStr, 10, 32)

	directionStr, _ := get(keyDirection)
	directionInt, _ := strconv.Atoi(directionStr)

	priorityStr, _ := get(keyPriority)
	priorityInt, _ := strconv.Atoi(priorityStr)

	positionStr, _ := get(keyPosition)
	positionInt, _ := strconv.Atoi(positionStr)

	p := &Program{
		Id:          id,
		Kind:        Kind(kindInt),
		Name:        name,
		SectionName: section,
		MapPinPath:     mapPinPath,
		ProgramPinPath: progPinPath,
		AttachState: AttachState(attachStateInt),
		IfIndex:     uint32(ifIndex),
		Direction:   Direction(directionInt),
		Priority:    int32(priorityInt),
		Position:    positionInt,
	}

	if v, ok, _ := tree.Get(keyMapOwnerID); ok {
		owner, err := strconv.ParseUint(string(v), 10, 32)
		if err == nil {
			o := uint32(owner)
			p.MapOwnerId = &o
		}
	}

	if v, ok, _ := tree.Get(keyMapsUsedBy); ok {
		_ = json.Unmarshal(v, &p.MapsUsedBy)
	}

	if v, ok, _ := tree.Get(keyGlobalData); ok {
		_ = json.Unmarshal(v, &p.GlobalData)
	}

	if v, ok, _ := tree.Get(keyLinkPins); ok {
		_ = json.Unmarshal(v, &p.LinkPinPaths)
	}

	if v, ok, _ := tree.Get(keyAttach); ok {
		var u attachUnion
		if err := json.Unmarshal(v, &u); err != nil {
			return nil, fmt.Errorf("unmarshal attach params: %w", err)
		}
		p.Xdp, p.Tc, p.Tracepoint, p.Kprobe, p.Uprobe = u.Xdp, u.Tc, u.Tracepoint, u.Kprobe, u.Uprobe
	}

	return p, nil
}
