package workflow

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"oncoflow/internal/domain"
)

// Edge is one allowed move in the transition table.
type Edge struct {
	To       domain.Status `json:"to" yaml:"to"`
	Backward bool          `json:"backward,omitempty" yaml:"backward,omitempty"`
}

// Definition is one immutable version of the workflow rules. Once published
// by a Store it must not be modified; use Clone to derive a new version.
type Definition struct {
	Version               int64                           `json:"version"`
	Transitions           map[domain.Status][]Edge        `json:"transitions"`
	AllowedRoles          map[domain.Status][]domain.Role `json:"allowed_roles"`
	ChecklistRequirements map[domain.Status][]string      `json:"checklist_requirements"`
	StageRoles            map[domain.Status][]domain.Role `json:"stage_roles,omitempty"`
	Catalog               []string                        `json:"catalog,omitempty"`
	UpdatedBy             string                          `json:"updated_by,omitempty"`
	UpdatedAt             time.Time                       `json:"updated_at" format:"date-time"`
}

// EdgesFor builds the edges leaving from. An edge is backward when its target
// does not rank after from, or when it is listed in explicitBackward.
func EdgesFor(from domain.Status, targets []domain.Status, explicitBackward []domain.Status) []Edge {
	edges := make([]Edge, 0, len(targets))
	for _, to := range targets {
		back := slices.Contains(explicitBackward, to)
		if fr, tr := from.Rank(), to.Rank(); fr >= 0 && tr >= 0 && tr <= fr {
			back = true
		}
		edges = append(edges, Edge{To: to, Backward: back})
	}
	return edges
}

func (d *Definition) Clone() *Definition {
	out := &Definition{
		Version:               d.Version,
		Transitions:           make(map[domain.Status][]Edge, len(d.Transitions)),
		AllowedRoles:          make(map[domain.Status][]domain.Role, len(d.AllowedRoles)),
		ChecklistRequirements: make(map[domain.Status][]string, len(d.ChecklistRequirements)),
		StageRoles:            make(map[domain.Status][]domain.Role, len(d.StageRoles)),
		Catalog:               slices.Clone(d.Catalog),
		UpdatedBy:             d.UpdatedBy,
		UpdatedAt:             d.UpdatedAt,
	}
	for k, v := range d.Transitions {
		out.Transitions[k] = slices.Clone(v)
	}
	for k, v := range d.AllowedRoles {
		out.AllowedRoles[k] = slices.Clone(v)
	}
	for k, v := range d.ChecklistRequirements {
		out.ChecklistRequirements[k] = slices.Clone(v)
	}
	for k, v := range d.StageRoles {
		out.StageRoles[k] = slices.Clone(v)
	}
	return out
}

// Edge looks up the edge from -> to.
func (d *Definition) Edge(from, to domain.Status) (Edge, bool) {
	for _, e := range d.Transitions[from] {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

func (d *Definition) Targets(from domain.Status) []Edge {
	return slices.Clone(d.Transitions[from])
}

func (d *Definition) RoleAllowed(target domain.Status, role domain.Role) bool {
	return slices.Contains(d.AllowedRoles[target], role)
}

func (d *Definition) Requirements(status domain.Status) []string {
	return slices.Clone(d.ChecklistRequirements[status])
}

// IsBackward reports whether from -> to moves against the clinical order.
// Table edges carry their own flag; other pairs fall back to rank comparison.
func (d *Definition) IsBackward(from, to domain.Status) bool {
	if e, ok := d.Edge(from, to); ok {
		return e.Backward
	}
	fr, tr := from.Rank(), to.Rank()
	return fr >= 0 && tr >= 0 && tr <= fr
}

// Audience returns the roles working a case at status.
func (d *Definition) Audience(status domain.Status) []domain.Role {
	if roles := d.StageRoles[status]; len(roles) > 0 {
		return slices.Clone(roles)
	}
	return slices.Clone(d.AllowedRoles[status])
}

// KnownItem reports whether item may be used as a checklist key.
func (d *Definition) KnownItem(item string) bool {
	return len(d.Catalog) == 0 || slices.Contains(d.Catalog, item)
}

// Validate checks the structural invariants of the table.
func (d *Definition) Validate() error {
	for from, edges := range d.Transitions {
		if !from.Valid() {
			return domain.ConfigError{Field: "transitions", Message: fmt.Sprintf("unknown status %q", from)}
		}
		seen := map[domain.Status]bool{}
		for _, e := range edges {
			if !e.To.Valid() {
				return domain.ConfigError{Field: "transitions." + string(from), Message: fmt.Sprintf("unknown target %q", e.To)}
			}
			if seen[e.To] {
				return domain.ConfigError{Field: "transitions." + string(from), Message: fmt.Sprintf("duplicate target %q", e.To)}
			}
			seen[e.To] = true
			if fr, tr := from.Rank(), e.To.Rank(); fr >= 0 && tr >= 0 && tr <= fr && !e.Backward {
				return domain.ConfigError{Field: "transitions." + string(from), Message: fmt.Sprintf("edge to %q goes back and must be marked backward", e.To)}
			}
			if len(d.AllowedRoles[e.To]) == 0 {
				return domain.ConfigError{Field: "allowed_roles." + string(e.To), Message: "target has no authorized role"}
			}
		}
	}
	for status, roles := range d.AllowedRoles {
		if !status.Valid() {
			return domain.ConfigError{Field: "allowed_roles", Message: fmt.Sprintf("unknown status %q", status)}
		}
		for _, r := range roles {
			if !r.Valid() {
				return domain.ConfigError{Field: "allowed_roles." + string(status), Message: fmt.Sprintf("unknown role %q", r)}
			}
		}
	}
	for status, roles := range d.StageRoles {
		if !status.Valid() {
			return domain.ConfigError{Field: "stage_roles", Message: fmt.Sprintf("unknown status %q", status)}
		}
		for _, r := range roles {
			if !r.Valid() {
				return domain.ConfigError{Field: "stage_roles." + string(status), Message: fmt.Sprintf("unknown role %q", r)}
			}
		}
	}
	for status, items := range d.ChecklistRequirements {
		if !status.Valid() {
			return domain.ConfigError{Field: "checklist", Message: fmt.Sprintf("unknown status %q", status)}
		}
		for _, item := range items {
			if item == "" {
				return domain.ConfigError{Field: "checklist." + string(status), Message: "empty item key"}
			}
			if !d.KnownItem(item) {
				return domain.ConfigError{Field: "checklist." + string(status), Message: fmt.Sprintf("item %q not in catalog", item)}
			}
		}
	}
	if stranded := d.Stranded(); len(stranded) > 0 {
		return domain.ConfigError{Field: "transitions", Message: fmt.Sprintf("statuses cannot reach %s: %v", domain.TerminalStatus, stranded)}
	}
	return nil
}

// Stranded lists statuses reachable from the initial status that have no
// path to the terminal status.
func (d *Definition) Stranded() []domain.Status {
	reachable := map[domain.Status]bool{domain.InitialStatus: true}
	queue := []domain.Status{domain.InitialStatus}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range d.Transitions[cur] {
			if !reachable[e.To] {
				reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	reverse := map[domain.Status][]domain.Status{}
	for from, edges := range d.Transitions {
		for _, e := range edges {
			reverse[e.To] = append(reverse[e.To], from)
		}
	}
	finishes := map[domain.Status]bool{domain.TerminalStatus: true}
	queue = []domain.Status{domain.TerminalStatus}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, from := range reverse[cur] {
			if !finishes[from] {
				finishes[from] = true
				queue = append(queue, from)
			}
		}
	}

	var stranded []domain.Status
	for s := range reachable {
		if !finishes[s] {
			stranded = append(stranded, s)
		}
	}
	sort.Slice(stranded, func(i, j int) bool { return stranded[i] < stranded[j] })
	return stranded
}

// targetedBy lists the sources having an edge into target.
func (d *Definition) targetedBy(target domain.Status) []domain.Status {
	var sources []domain.Status
	for from, edges := range d.Transitions {
		for _, e := range edges {
			if e.To == target {
				sources = append(sources, from)
			}
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}
