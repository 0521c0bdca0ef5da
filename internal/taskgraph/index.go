package taskgraph

import "helpflow/internal/domain"

type slot struct {
	phase   int
	ordinal int
}

// Index is a flat arena of a template's tasks with an id lookup. Build it once
// per template instance; it is safe for concurrent reads.
type Index struct {
	tasks  []domain.Task
	phases []domain.Phase
	byID   map[string]slot
	order  map[string]int
}

func NewIndex(tpl domain.Template) *Index {
	idx := &Index{
		phases: Positions(tpl),
		byID:   make(map[string]slot),
		order:  make(map[string]int),
	}
	for pi, p := range tpl.Phases {
		for ti, t := range p.Tasks {
			if _, dup := idx.byID[t.ID]; dup {
				continue
			}
			idx.byID[t.ID] = slot{phase: pi, ordinal: ti + 1}
			idx.order[t.ID] = len(idx.tasks)
			idx.tasks = append(idx.tasks, t)
		}
	}
	return idx
}

func (idx *Index) Len() int { return len(idx.tasks) }

func (idx *Index) Tasks() []domain.Task {
	out := make([]domain.Task, len(idx.tasks))
	copy(out, idx.tasks)
	return out
}

func (idx *Index) Has(id string) bool {
	_, ok := idx.byID[id]
	return ok
}

func (idx *Index) Lookup(id string) (domain.Task, bool) {
	i, ok := idx.order[id]
	if !ok {
		return domain.Task{}, false
	}
	return idx.tasks[i], true
}

// PhaseOf returns the phase holding the task.
func (idx *Index) PhaseOf(id string) (domain.Phase, bool) {
	s, ok := idx.byID[id]
	if !ok {
		return domain.Phase{}, false
	}
	return idx.phases[s.phase], true
}

// Ordinal returns the 1-based position of the task within its phase.
func (idx *Index) Ordinal(id string) int {
	return idx.byID[id].ordinal
}

func (idx *Index) Labels(id string) RelationLabels {
	t, ok := idx.Lookup(id)
	if !ok {
		return RelationLabels{Prerequisites: []int{}, Corequisites: []int{}}
	}
	p, _ := idx.PhaseOf(id)
	return ResolveRelationLabels(t, p.Tasks)
}
