package sensors

import (
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CombinedUnitID is the synthetic unit id used to key the cross-device
// combined reading in the registry's internal maps.
const CombinedUnitID = -1

// perDeviceKeyBase and combinedKeyBase anchor the deterministic key
// allocation scheme from §4.7: base = 1000 + (unit_id-48)*1000 for
// per-device entities, a distinct block starting at 5000 for combined
// entities.
const (
	perDeviceKeyBase = 1000
	perDeviceKeyUnit = 1000
	combinedKeyBase  = 5000
)

// Entity is a single declared measurable, stable for the lifetime of the
// server once allocated.
type Entity struct {
	Key              uint32
	ObjectID         string
	Name             string
	Unit             string
	DeviceClass      string
	StateClass       StateClass
	AccuracyDecimals int
	ForceUpdate      bool
}

// Reading is a single published value for an entity: either a float value
// or a "missing" (state-unknown) marker.
type Reading struct {
	Key     uint32
	Value   float64
	Missing bool
}

// entityState tracks an entity alongside the last value published for it,
// so the registry can suppress redundant broadcasts per §3's invariant.
type entityState struct {
	entity    Entity
	lastValue float64
	lastSet   bool
}

// Registry is the single source of truth for entity declarations and last
// published values. It owns no transport; callers (NativeApiServer) pull
// copy-on-read snapshots so broadcasting readers never block producers.
type Registry struct {
	mu sync.RWMutex

	// order preserves first-seen declaration order for ListEntities.
	order *orderedmap.OrderedMap[uint32, *entityState]
	// byField maps (unitID, field) to the allocated entity, for O(1) lookup
	// on each new reading.
	byField map[fieldKey]*entityState

	temperatureUnit string

	// onNewEntity, if set, is invoked with the newly allocated entity
	// whenever registering a field the registry has not seen before. The
	// native API server (nativeapi.New) uses this hook to sever
	// already-enumerated sessions per
	// §4.7's entity-stability policy.
	onNewEntity func(Entity)
}

type fieldKey struct {
	unitID int
	field  string
}

// New creates an empty Registry. temperatureUnit is "C" or "F" and governs
// unit selection for temperature fields.
func New(temperatureUnit string) *Registry {
	return &Registry{
		order:           orderedmap.New[uint32, *entityState](),
		byField:         make(map[fieldKey]*entityState),
		temperatureUnit: temperatureUnit,
	}
}

// OnNewEntity installs the callback invoked synchronously whenever a new
// entity is allocated.
func (r *Registry) OnNewEntity(fn func(Entity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNewEntity = fn
}

// allocateKey computes the deterministic stable key for (unitID, field)
// per §4.7: combined entities use a distinct block at 5000; per-device
// entities use base 1000 + (unit_id-48)*1000, offset by a stable ordinal
// within that device derived from insertion order of fields for that unit.
func (r *Registry) allocateKey(unitID int, ordinalWithinDevice int) uint32 {
	if unitID == CombinedUnitID {
		return uint32(combinedKeyBase + ordinalWithinDevice)
	}
	base := perDeviceKeyBase + (unitID-48)*perDeviceKeyUnit
	return uint32(base + ordinalWithinDevice)
}

// Publish records a new reading for (unitID, field), allocating an entity
// on first sight. It returns the Reading that should be fanned out, and
// whether the value actually changed (or ForceUpdate is set) — callers
// should skip broadcasting when changed is false, per the publish-only-on-
// change invariant.
func (r *Registry) Publish(unitID int, field string, value float64) (reading Reading, entity Entity, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fieldKey{unitID: unitID, field: field}
	st, exists := r.byField[key]
	if !exists {
		st = r.newEntityLocked(unitID, field)
	}

	changed = !st.lastSet || st.lastValue != value || st.entity.ForceUpdate
	st.lastValue = value
	st.lastSet = true

	return Reading{Key: st.entity.Key, Value: value, Missing: false}, st.entity, changed
}

// newEntityLocked allocates and registers a brand-new entity. Caller must
// hold r.mu.
func (r *Registry) newEntityLocked(unitID int, field string) *entityState {
	ordinal := 0
	for k := range r.byField {
		if k.unitID == unitID {
			ordinal++
		}
	}

	alias := deviceAlias(unitID)
	attrs := GuessAttributes(field, r.temperatureUnit)
	entity := Entity{
		Key:              r.allocateKey(unitID, ordinal),
		ObjectID:         fmt.Sprintf("%s_%s", alias, field),
		Name:             fmt.Sprintf("%s %s", alias, titleCaseWords(field)),
		Unit:             attrs.Unit,
		DeviceClass:      attrs.DeviceClass,
		StateClass:       attrs.StateClass,
		AccuracyDecimals: attrs.AccuracyDecimals,
	}

	st := &entityState{entity: entity}
	r.byField[fieldKey{unitID: unitID, field: field}] = st
	r.order.Set(entity.Key, st)

	if r.onNewEntity != nil {
		r.onNewEntity(entity)
	}
	return st
}

func deviceAlias(unitID int) string {
	if unitID == CombinedUnitID {
		return "combined"
	}
	return fmt.Sprintf("device_%d", unitID)
}

func titleCaseWords(field string) string {
	parts := strings.Split(field, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// ListEntities returns every declared entity in first-seen (allocation)
// order, for ListEntitiesResponse enumeration.
func (r *Registry) ListEntities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, r.order.Len())
	for pair := r.order.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.entity)
	}
	return out
}

// Snapshot returns a copy-on-read map of every entity's last published
// value, keyed by entity key, for a session that needs its full current
// state (e.g. on (re)subscribe).
func (r *Registry) Snapshot() map[uint32]Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint32]Reading, r.order.Len())
	for pair := r.order.Oldest(); pair != nil; pair = pair.Next() {
		st := pair.Value
		if st.lastSet {
			out[st.entity.Key] = Reading{Key: st.entity.Key, Value: st.lastValue}
		}
	}
	return out
}
