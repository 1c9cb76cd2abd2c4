package layer

import (
	"sort"
	"strconv"
	"strings"
)

// Plan is an ordered, duplicate-free, prerequisite-complete list of stages.
type Plan []ID

// Contains reports whether id is in the plan.
func (p Plan) Contains(id ID) bool {
	for _, x := range p {
		if x == id {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every id in ids is in the plan.
func (p Plan) ContainsAll(ids []ID) bool {
	for _, id := range ids {
		if !p.Contains(id) {
			return false
		}
	}
	return true
}

// String renders the plan as "1,2,3".
func (p Plan) String() string {
	parts := make([]string, len(p))
	for i, id := range p {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}

// Resolve expands the requested stages to their transitive prerequisites and
// orders the result by id. An empty request resolves to DefaultIDs.
func Resolve(requested []ID) (Plan, error) {
	if len(requested) == 0 {
		requested = DefaultIDs
	}
	for _, id := range requested {
		if !id.Valid() {
			return nil, Errorf(UnknownStage, id, "valid stages are %d-%d", MinID, MaxID)
		}
	}

	seen := make(map[ID]bool)
	var visit func(id ID)
	visit = func(id ID) {
		if seen[id] {
			return
		}
		seen[id] = true
		d, _ := Lookup(id)
		for _, pre := range d.Prerequisites {
			visit(pre)
		}
	}
	for _, id := range requested {
		visit(id)
	}

	plan := make(Plan, 0, len(seen))
	for id := range seen {
		plan = append(plan, id)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i] < plan[j] })
	return plan, nil
}

// ParseIDs parses stage ids given as numbers or names ("3", "components").
// Comma-separated lists are split.
func ParseIDs(args []string) ([]ID, error) {
	var ids []ID
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if n, err := strconv.Atoi(part); err == nil {
				ids = append(ids, ID(n))
				continue
			}
			id, ok := ByName(part)
			if !ok {
				return nil, Errorf(UnknownStage, 0, "unknown stage %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
