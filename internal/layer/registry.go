// Package layer defines the seven transformation stages, the plan resolver,
// the stage execution contract and the stage error taxonomy.
package layer

import (
	"fmt"
	"sort"
)

// ID identifies a stage. Valid ids are 1 through 7.
type ID int

const (
	Config ID = iota + 1
	Entities
	Components
	Hydration
	Framework
	Validation
	Patterns
)

// MinID and MaxID bound the catalogue.
const (
	MinID = Config
	MaxID = Patterns
)

// Descriptor is the static description of a stage.
type Descriptor struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Prerequisites []ID   `json:"prerequisites,omitempty"`
}

// Catalog is the fixed stage catalogue. Prerequisites of stages 1-6 are always
// lower-numbered; stage 7 stands alone.
var Catalog = []Descriptor{
	{ID: Config, Name: "config", Description: "configuration normalization"},
	{ID: Entities, Name: "entities", Description: "entity cleanup", Prerequisites: []ID{Config}},
	{ID: Components, Name: "components", Description: "component-level fixes", Prerequisites: []ID{Entities}},
	{ID: Hydration, Name: "hydration", Description: "hydration-safety fixes", Prerequisites: []ID{Components}},
	{ID: Framework, Name: "framework", Description: "framework-specific fixes", Prerequisites: []ID{Hydration}},
	{ID: Validation, Name: "validation", Description: "validation checks", Prerequisites: []ID{Framework}},
	{ID: Patterns, Name: "patterns", Description: "learned-pattern application"},
}

// DefaultIDs is the plan used when no stages are requested.
var DefaultIDs = []ID{Config, Entities, Components, Hydration, Framework, Validation}

// Valid reports whether id is in the catalogue.
func (id ID) Valid() bool {
	return id >= MinID && id <= MaxID
}

// Name returns the stage name, or "layer-N" for an id outside the catalogue.
func (id ID) Name() string {
	if d, ok := Lookup(id); ok {
		return d.Name
	}
	return fmt.Sprintf("layer-%d", int(id))
}

// Lookup returns the descriptor for id.
func Lookup(id ID) (Descriptor, bool) {
	if !id.Valid() {
		return Descriptor{}, false
	}
	return Catalog[id-1], true
}

// ByName resolves a stage name to its id.
func ByName(name string) (ID, bool) {
	for _, d := range Catalog {
		if d.Name == name {
			return d.ID, true
		}
	}
	return 0, false
}

// Layer pairs a descriptor with the capability that executes it.
type Layer struct {
	Descriptor
	Exec Executor
}

// Set holds the executable stages available to the orchestrator.
type Set struct {
	layers map[ID]Layer
}

// NewSet builds a Set from executors keyed by stage id. Ids outside the
// catalogue are rejected.
func NewSet(execs map[ID]Executor) (*Set, error) {
	s := &Set{layers: make(map[ID]Layer, len(execs))}
	for id, ex := range execs {
		if err := s.Register(id, ex); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register installs or replaces the executor for id.
func (s *Set) Register(id ID, ex Executor) error {
	d, ok := Lookup(id)
	if !ok {
		return Errorf(UnknownStage, id, "not in catalogue")
	}
	if ex == nil {
		return fmt.Errorf("layer %d: nil executor", id)
	}
	if s.layers == nil {
		s.layers = make(map[ID]Layer)
	}
	s.layers[id] = Layer{Descriptor: d, Exec: ex}
	return nil
}

// Get returns the layer registered for id.
func (s *Set) Get(id ID) (Layer, bool) {
	l, ok := s.layers[id]
	return l, ok
}

// IDs returns the registered ids in ascending order.
func (s *Set) IDs() []ID {
	ids := make([]ID, 0, len(s.layers))
	for id := range s.layers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
