package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// sortBatch orders a submission batch so every task is created after its
// in-batch dependencies, and rejects batches whose dependency edges form a
// cycle. Dependencies on tasks outside the batch are resolved by the store
// at insert time.
func sortBatch(reqs []SubmitRequest, byID map[string]SubmitRequest) ([]string, error) {
	var edges []toposort.Edge
	for _, req := range reqs {
		inBatchDep := false
		for _, depID := range req.DependsOn {
			if _, ok := byID[depID]; ok {
				edges = append(edges, toposort.Edge{depID, req.ID})
				inBatchDep = true
			}
		}
		if !inBatchDep {
			edges = append(edges, toposort.Edge{nil, req.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("submission batch contains dependency cycle: %w", err)
	}

	order := make([]string, 0, len(reqs))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(reqs) {
		return nil, fmt.Errorf("dependency sort lost %d tasks", len(reqs)-len(order))
	}
	return order, nil
}
