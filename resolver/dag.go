package resolver

import (
	"github.com/gleitzeit/gleitzeit/core"
)

// NormalizeDependencies rewrites each task's dependency list from names or
// ids to ids, deduplicated. Unknown or self references are rejected.
func NormalizeDependencies(wf *core.Workflow) error {
	byName := make(map[string]string, len(wf.Tasks))
	byID := make(map[string]bool, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if t.Name != "" {
			byName[t.Name] = t.ID
		}
		byID[t.ID] = true
	}

	for _, t := range wf.Tasks {
		seen := make(map[string]bool, len(t.Dependencies))
		deps := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			id := dep
			if !byID[id] {
				resolved, ok := byName[dep]
				if !ok {
					return core.Errorf(core.CodeValidation, "task %q depends on unknown task %q", t.Name, dep).
						WithData("task_id", t.ID)
				}
				id = resolved
			}
			if id == t.ID {
				return core.Errorf(core.CodeValidation, "task %q depends on itself", t.Name).
					WithData("task_id", t.ID)
			}
			if !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}
		t.Dependencies = deps
	}
	return nil
}

// ValidateDAG performs the static submission checks: dependencies must be
// normalized ids within the workflow, the dependency graph must be
// acyclic, and every substitution reference must name a task in the
// referring task's transitive dependency set.
func ValidateDAG(wf *core.Workflow) error {
	byID := make(map[string]*core.Task, len(wf.Tasks))
	byName := make(map[string]*core.Task, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if _, dup := byID[t.ID]; dup {
			return core.Errorf(core.CodeValidation, "duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
		if t.Name != "" {
			if _, dup := byName[t.Name]; dup {
				return core.Errorf(core.CodeValidation, "duplicate task name %q", t.Name)
			}
			byName[t.Name] = t
		}
	}

	for _, t := range wf.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return core.Errorf(core.CodeValidation, "task %q depends on unknown task %q", t.Name, dep).
					WithData("task_id", t.ID)
			}
		}
	}

	if err := detectCycle(wf.Tasks); err != nil {
		return err
	}

	// Substitution references form a DAG that must match dependencies:
	// referencing a task outside the transitive dependency set is a
	// static error.
	for _, t := range wf.Tasks {
		refs := References(t.Params)
		if len(refs) == 0 {
			continue
		}
		reachable := transitiveDeps(t, byID)
		for _, ref := range refs {
			target := byID[ref]
			if target == nil {
				target = byName[ref]
			}
			if target == nil {
				return core.Errorf(core.CodeValidation, "task %q references unknown task %q", t.Name, ref).
					WithData("task_id", t.ID).
					WithData("reference", ref)
			}
			if !reachable[target.ID] {
				return core.Errorf(core.CodeValidation, "task %q references %q which is not among its dependencies", t.Name, ref).
					WithData("task_id", t.ID).
					WithData("reference", ref)
			}
		}
	}
	return nil
}

// detectCycle runs a three-color DFS over the dependency edges.
func detectCycle(tasks []*core.Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]*core.Task, len(tasks))
	color := make(map[string]int, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var visit func(t *core.Task) error
	visit = func(t *core.Task) error {
		color[t.ID] = gray
		for _, dep := range t.Dependencies {
			next := byID[dep]
			if next == nil {
				continue
			}
			switch color[next.ID] {
			case gray:
				return core.Errorf(core.CodeValidation, "dependency cycle through task %q", next.Name).
					WithData("task_id", next.ID)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[t.ID] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// transitiveDeps returns the set of task ids reachable from t's
// dependencies.
func transitiveDeps(t *core.Task, byID map[string]*core.Task) map[string]bool {
	reachable := make(map[string]bool)
	stack := append([]string(nil), t.Dependencies...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		if dep := byID[id]; dep != nil {
			stack = append(stack, dep.Dependencies...)
		}
	}
	return reachable
}

// ReleasedDep pairs a dependent task with a failed dependency it no
// longer needs to wait for.
type ReleasedDep struct {
	TaskID string
	DepID  string
}

// PropagateFailure computes the effect of a task failure on the rest of
// the workflow. Under the stop strategy every transitive dependent fails
// with DependencyFailed. Under continue, a dependent fails only when its
// parameters reference the failed task's result via substitution;
// dependents that required only ordering are released and may proceed.
// Returned failure ids are in breadth-first order; released pairs exclude
// tasks that fail through another path.
func PropagateFailure(wf *core.Workflow, failedID string) (fail []string, released []ReleasedDep) {
	byID := make(map[string]*core.Task, len(wf.Tasks))
	for _, t := range wf.Tasks {
		byID[t.ID] = t
	}

	failedSet := map[string]bool{failedID: true}
	frontier := []string{failedID}
	for len(frontier) > 0 {
		fid := frontier[0]
		frontier = frontier[1:]
		ft := byID[fid]
		if ft == nil {
			continue
		}
		for _, d := range wf.Tasks {
			if d.Status.IsTerminal() || failedSet[d.ID] {
				continue
			}
			if !dependsOn(d, fid) {
				continue
			}
			mustFail := wf.ErrorStrategy != core.ErrorStrategyContinue
			if !mustFail {
				for _, ref := range References(d.Params) {
					if ref == ft.Name || ref == ft.ID {
						mustFail = true
						break
					}
				}
			}
			if mustFail {
				failedSet[d.ID] = true
				fail = append(fail, d.ID)
				frontier = append(frontier, d.ID)
			} else {
				released = append(released, ReleasedDep{TaskID: d.ID, DepID: fid})
			}
		}
	}

	kept := released[:0]
	for _, r := range released {
		if !failedSet[r.TaskID] {
			kept = append(kept, r)
		}
	}
	return fail, kept
}

func dependsOn(t *core.Task, depID string) bool {
	for _, d := range t.Dependencies {
		if d == depID {
			return true
		}
	}
	return false
}
