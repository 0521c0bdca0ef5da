// Package taskgraph resolves the phase/task dependency model of a template.
// Relations are plain task id references looked up through ordinal maps; the
// package never mutates the template it is given.
package taskgraph

import "helpflow/internal/domain"

// RelationLabels holds the 1-based ordinals of a task's related tasks within its phase.
type RelationLabels struct {
	Prerequisites []int `json:"prerequisites"`
	Corequisites  []int `json:"corequisites"`
}

// FlattenTasks concatenates every phase's tasks in phase order.
func FlattenTasks(tpl domain.Template) []domain.Task {
	n := 0
	for _, p := range tpl.Phases {
		n += len(p.Tasks)
	}
	out := make([]domain.Task, 0, n)
	for _, p := range tpl.Phases {
		out = append(out, p.Tasks...)
	}
	return out
}

// ResolveRelationLabels maps a task's prerequisite and corequisite ids to
// ordinals within phaseTasks. References outside phaseTasks are dropped.
func ResolveRelationLabels(task domain.Task, phaseTasks []domain.Task) RelationLabels {
	ordinals := ordinalMap(phaseTasks)
	labels := RelationLabels{Prerequisites: []int{}, Corequisites: []int{}}
	for _, pre := range task.Prerequisites {
		if n, ok := ordinals[pre.RequiredTaskID]; ok {
			labels.Prerequisites = append(labels.Prerequisites, n)
		}
	}
	for _, co := range task.Corequisites {
		if n, ok := ordinals[co.RelatedTaskID]; ok {
			labels.Corequisites = append(labels.Corequisites, n)
		}
	}
	return labels
}

func ordinalMap(tasks []domain.Task) map[string]int {
	m := make(map[string]int, len(tasks))
	for i, t := range tasks {
		m[t.ID] = i + 1
	}
	return m
}

// Positions returns a copy of the template's phases with Position re-derived
// from array order.
func Positions(tpl domain.Template) []domain.Phase {
	out := make([]domain.Phase, len(tpl.Phases))
	for i, p := range tpl.Phases {
		p.Position = i + 1
		out[i] = p
	}
	return out
}

// CrossRef is a relation whose target lives outside the referencing task's phase.
type CrossRef struct {
	TaskID   string `json:"task_id"`
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
	Known    bool   `json:"known"`
}

// CrossPhaseRefs lists relations that resolve to no badge. Known reports whether
// the target exists elsewhere in the template.
func CrossPhaseRefs(tpl domain.Template) []CrossRef {
	idx := NewIndex(tpl)
	var refs []CrossRef
	for _, p := range tpl.Phases {
		local := ordinalMap(p.Tasks)
		for _, t := range p.Tasks {
			for _, pre := range t.Prerequisites {
				if _, ok := local[pre.RequiredTaskID]; !ok {
					refs = append(refs, CrossRef{TaskID: t.ID, TargetID: pre.RequiredTaskID, Kind: "prerequisite", Known: idx.Has(pre.RequiredTaskID)})
				}
			}
			for _, co := range t.Corequisites {
				if _, ok := local[co.RelatedTaskID]; !ok {
					refs = append(refs, CrossRef{TaskID: t.ID, TargetID: co.RelatedTaskID, Kind: "corequisite", Known: idx.Has(co.RelatedTaskID)})
				}
			}
		}
	}
	return refs
}
