package resolver

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/kingrea/chainforge/internal/taskgraph"
)

func TestPlanDiamondBatches(t *testing.T) {
	res := mustResolver(t, graphOf(
		task("A"),
		task("B", "A"),
		task("C", "A"),
		task("D", "B", "C"),
	))
	plan, err := res.Plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(plan.Batches, want) {
		t.Fatalf("unexpected batches: %v", plan.Batches)
	}
	if len(plan.CriticalPath) != 3 {
		t.Fatalf("expected critical path length 3, got %v", plan.CriticalPath)
	}
	if plan.CriticalPath[0] != "A" || plan.CriticalPath[1] != "B" || plan.CriticalPath[2] != "D" {
		t.Fatalf("expected tie broken toward first dependent, got %v", plan.CriticalPath)
	}
	if plan.MaxParallelism != 2 {
		t.Fatalf("expected max parallelism 2, got %d", plan.MaxParallelism)
	}
}

func TestNewRejectsCycle(t *testing.T) {
	_, err := New(graphOf(
		task("A", "C"),
		task("B", "A"),
		task("C", "B"),
	))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycle.Path) != 4 || cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
		t.Fatalf("cycle path should close on itself: %v", cycle.Path)
	}
}

func TestNewRejectsCycleInDisconnectedComponent(t *testing.T) {
	// root -> leaf is acyclic; x <-> y is unreachable from any root.
	_, err := New(graphOf(
		task("root"),
		task("leaf", "root"),
		task("x", "y"),
		task("y", "x"),
	))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle in disconnected component, got %v", err)
	}
}

func TestDepthIsLongestPathFromRoot(t *testing.T) {
	// D is reachable at depth 1 from A directly and depth 3 via B -> C.
	res := mustResolver(t, graphOf(
		task("A"),
		task("D", "A", "C"),
		task("B", "A"),
		task("C", "B"),
	))
	cases := map[string]int{"A": 0, "B": 1, "C": 2, "D": 3}
	for id, want := range cases {
		node, ok := res.Node(id)
		if !ok {
			t.Fatalf("missing node %s", id)
		}
		if node.Depth != want {
			t.Fatalf("depth of %s = %d, want %d", id, node.Depth, want)
		}
	}
	if roots := res.Roots(); len(roots) != 1 || roots[0].ID != "A" {
		t.Fatalf("unexpected roots: %v", roots)
	}
	if leaves := res.Leaves(); len(leaves) != 1 || leaves[0].ID != "D" {
		t.Fatalf("unexpected leaves: %v", leaves)
	}
}

func TestCriticalPathTieFavorsFirstRoot(t *testing.T) {
	res := mustResolver(t, graphOf(
		task("r1"),
		task("r2"),
		task("a", "r1"),
		task("b", "r2"),
	))
	path := res.CriticalPath()
	if !reflect.DeepEqual(path, []string{"r1", "a"}) {
		t.Fatalf("expected first root to win the tie, got %v", path)
	}
}

func TestDescendantsFollowDeclarationOrder(t *testing.T) {
	res := mustResolver(t, graphOf(
		task("A"),
		task("B", "A"),
		task("C"),
		task("D", "B"),
		task("E", "C"),
	))
	if got := res.Descendants("A"); !reflect.DeepEqual(got, []string{"B", "D"}) {
		t.Fatalf("unexpected descendants: %v", got)
	}
	if got := res.Descendants("D"); len(got) != 0 {
		t.Fatalf("leaf should have no descendants, got %v", got)
	}
}

func TestBatchesCoverEveryTaskExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		size := 1 + rng.Intn(20)
		tasks := make([]taskgraph.Task, size)
		for i := 0; i < size; i++ {
			id := fmt.Sprintf("t%02d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("t%02d", j))
				}
			}
			tasks[i] = taskgraph.Task{ID: id, Dependencies: deps}
		}
		res := mustResolver(t, taskgraph.Graph{ID: "random", Tasks: tasks})
		plan, err := res.Plan()
		if err != nil {
			t.Fatalf("trial %d plan: %v", trial, err)
		}
		seen := map[string]int{}
		position := map[string]int{}
		for b, batch := range plan.Batches {
			for _, id := range batch {
				seen[id]++
				position[id] = b
			}
		}
		if len(seen) != size {
			t.Fatalf("trial %d: %d of %d tasks scheduled", trial, len(seen), size)
		}
		for id, count := range seen {
			if count != 1 {
				t.Fatalf("trial %d: %s scheduled %d times", trial, id, count)
			}
		}
		for _, task := range tasks {
			for _, dep := range task.Dependencies {
				if position[dep] >= position[task.ID] {
					t.Fatalf("trial %d: %s in batch %d but dependency %s in batch %d", trial, task.ID, position[task.ID], dep, position[dep])
				}
			}
		}
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	_, err := New(graphOf(task("A", "ghost")))
	if err == nil {
		t.Fatalf("expected unknown dependency error")
	}
	if errors.Is(err, ErrCycle) {
		t.Fatalf("unknown dependency should not be reported as a cycle: %v", err)
	}
}

func mustResolver(t *testing.T, graph taskgraph.Graph) *Resolver {
	t.Helper()
	res, err := New(graph)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return res
}

func graphOf(tasks ...taskgraph.Task) taskgraph.Graph {
	return taskgraph.Graph{ID: "test-graph", Tasks: tasks}
}

func task(id string, deps ...string) taskgraph.Task {
	return taskgraph.Task{ID: id, Dependencies: deps}
}
