package dispatcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/task"
)

// DeadlockDetector finds cycles in the dependency graph over non-terminal
// tasks. The graph is a plain adjacency map; DFS runs with an explicit
// stack so large graphs cannot exhaust the call stack.
type DeadlockDetector struct {
	mu        sync.Mutex
	lastCheck time.Time
	cycles    [][]string
}

func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{}
}

// Detect returns every dependency cycle among tasks not in Done or Failed.
// Each cycle is the path from the first occurrence of the repeated node
// through to its reappearance.
func (d *DeadlockDetector) Detect(tasks []*task.Task) [][]string {
	graph := buildDependencyGraph(tasks)
	cycles := findCycles(graph)

	d.mu.Lock()
	d.lastCheck = time.Now().UTC()
	d.cycles = cycles
	d.mu.Unlock()

	if len(cycles) > 0 {
		log := logger.WithComponent("deadlock_detector")
		log.Warn().Int("cycles", len(cycles)).Msg("circular dependencies detected")
		for i, cycle := range cycles {
			log.Warn().
				Int("cycle", i+1).
				Strs("tasks", cycle).
				Msg("dependency cycle")
		}
	}
	return cycles
}

func buildDependencyGraph(tasks []*task.Task) map[string][]string {
	graph := make(map[string][]string)
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		graph[t.ID] = append([]string(nil), t.Dependencies...)
	}
	return graph
}

type dfsFrame struct {
	node string
	next int
}

func findCycles(graph map[string][]string) [][]string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	state := make(map[string]int, len(graph))
	seen := make(map[string]bool)
	var cycles [][]string

	for _, root := range nodes {
		if state[root] != unvisited {
			continue
		}

		stack := []dfsFrame{{node: root}}
		path := []string{root}
		state[root] = inStack

		for len(stack) > 0 {
			frame := &stack[len(stack)-1]
			deps := graph[frame.node]

			if frame.next >= len(deps) {
				state[frame.node] = done
				path = path[:len(path)-1]
				stack = stack[:len(stack)-1]
				continue
			}

			dep := deps[frame.next]
			frame.next++

			// Dependencies outside the graph are terminal or unknown;
			// they cannot participate in a cycle.
			if _, ok := graph[dep]; !ok {
				continue
			}

			switch state[dep] {
			case unvisited:
				state[dep] = inStack
				path = append(path, dep)
				stack = append(stack, dfsFrame{node: dep})
			case inStack:
				start := 0
				for i, id := range path {
					if id == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				if key := cycleKey(cycle); !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}
	}
	return cycles
}

// cycleKey canonicalises a cycle by rotating its smallest member to the
// front so the same cycle discovered twice is reported once.
func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	key := ""
	for i := 0; i < len(cycle); i++ {
		key += cycle[(minIdx+i)%len(cycle)] + "\x00"
	}
	return key
}

// CheckForDeadlock runs detection and, when requested, returns
// ErrDeadlockDetected if any cycle exists.
func (d *DeadlockDetector) CheckForDeadlock(tasks []*task.Task, raiseOnDeadlock bool) (bool, error) {
	cycles := d.Detect(tasks)
	if len(cycles) == 0 {
		return false, nil
	}
	if raiseOnDeadlock {
		return true, fmt.Errorf("%w: %d cycle(s) found", ErrDeadlockDetected, len(cycles))
	}
	return true, nil
}

// BlockedTasks returns the tasks whose IDs appear in any cycle.
func (d *DeadlockDetector) BlockedTasks(tasks []*task.Task) []*task.Task {
	cycles := d.Detect(tasks)
	if len(cycles) == 0 {
		return nil
	}
	blocked := make(map[string]bool)
	for _, cycle := range cycles {
		for _, id := range cycle {
			blocked[id] = true
		}
	}
	var out []*task.Task
	for _, t := range tasks {
		if blocked[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// SuggestResolution emits one human-readable suggestion per cycle.
func (d *DeadlockDetector) SuggestResolution(cycles [][]string) []string {
	suggestions := make([]string, 0, len(cycles))
	for i, cycle := range cycles {
		if len(cycle) == 0 {
			continue
		}
		suggestions = append(suggestions, fmt.Sprintf(
			"Cycle %d: Remove dependency from %s to %s", i+1, cycle[len(cycle)-1], cycle[0]))
	}
	return suggestions
}

// LastCheckTime returns when detection last ran; zero when never.
func (d *DeadlockDetector) LastCheckTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCheck
}

// DetectedCycles returns the cycles from the last run.
func (d *DeadlockDetector) DetectedCycles() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]string, len(d.cycles))
	for i, c := range d.cycles {
		out[i] = append([]string(nil), c...)
	}
	return out
}
