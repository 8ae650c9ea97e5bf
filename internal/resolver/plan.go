package resolver

import "fmt"

// Plan is the ordered batch schedule for one chain run. It is computed once
// and only recomputed when the graph changes.
type Plan struct {
	// Batches lists task ids whose dependencies are satisfied by all prior
	// batches. Ids inside a batch follow declaration order.
	Batches [][]string `json:"batches"`
	// CriticalPath is the longest root-to-leaf dependency chain by node count.
	CriticalPath []string `json:"critical_path"`
	// MaxParallelism is the size of the largest batch.
	MaxParallelism int `json:"max_parallelism"`
}

// Order flattens the batches into one dispatch order.
func (p Plan) Order() []string {
	var out []string
	for _, batch := range p.Batches {
		out = append(out, batch...)
	}
	return out
}

// BatchIndex returns the batch number containing id, or -1.
func (p Plan) BatchIndex(id string) int {
	for i, batch := range p.Batches {
		for _, candidate := range batch {
			if candidate == id {
				return i
			}
		}
	}
	return -1
}

// Plan computes the batch schedule with Kahn's algorithm plus the critical
// path.
func (r *Resolver) Plan() (Plan, error) {
	batches, err := r.batches()
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Batches:      batches,
		CriticalPath: r.CriticalPath(),
	}
	for _, batch := range batches {
		if len(batch) > plan.MaxParallelism {
			plan.MaxParallelism = len(batch)
		}
	}
	return plan, nil
}

func (r *Resolver) batches() ([][]string, error) {
	remaining := make(map[string]int, len(r.nodes))
	for _, id := range r.orderedIDs {
		remaining[id] = len(r.nodes[id].Dependencies)
	}
	scheduled := make(map[string]bool, len(r.nodes))
	var batches [][]string
	for len(scheduled) < len(r.orderedIDs) {
		var batch []string
		for _, id := range r.orderedIDs {
			if !scheduled[id] && remaining[id] == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			var stuck []string
			for _, id := range r.orderedIDs {
				if !scheduled[id] {
					stuck = append(stuck, id)
				}
			}
			return nil, fmt.Errorf("%w: %d task(s) unscheduled: %v", ErrUnreachableBatch, len(stuck), stuck)
		}
		for _, id := range batch {
			scheduled[id] = true
		}
		for _, id := range batch {
			for _, dependent := range r.nodes[id].Dependents {
				remaining[dependent]--
			}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// CriticalPath returns the longest root-to-leaf chain. Ties resolve to the
// first root in declaration order, then to the first dependent.
func (r *Resolver) CriticalPath() []string {
	memo := make(map[string][]string, len(r.nodes))
	var longest func(string) []string
	longest = func(id string) []string {
		if path, ok := memo[id]; ok {
			return path
		}
		var best []string
		for _, dependent := range r.nodes[id].Dependents {
			if candidate := longest(dependent); len(candidate) > len(best) {
				best = candidate
			}
		}
		path := append([]string{id}, best...)
		memo[id] = path
		return path
	}
	var critical []string
	for _, root := range r.Roots() {
		if path := longest(root.ID); len(path) > len(critical) {
			critical = path
		}
	}
	return append([]string(nil), critical...)
}
