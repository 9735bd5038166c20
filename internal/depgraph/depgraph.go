// Package depgraph orders scripts so that every script follows the scripts it
// depends on.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicDependency is wrapped by CycleError.
var ErrCyclicDependency = errors.New("cyclic dependency")

// Node is anything with a name and an ordered list of dependency names.
type Node interface {
	Name() string
	Dependencies() []string
}

// CycleError reports every dependency cycle found during Resolve.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		parts = append(parts, strings.Join(append(c, c[0]), " -> "))
	}
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(parts, "; "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// Members returns the set of names that take part in any cycle.
func (e *CycleError) Members() map[string]bool {
	m := make(map[string]bool)
	for _, c := range e.Cycles {
		for _, name := range c {
			m[name] = true
		}
	}
	return m
}

const (
	white = iota // not visited
	grey         // on the current path
	black        // emitted
)

type frame struct {
	idx  int
	next int
}

// Resolve returns items in dependency order: a post-order depth-first walk
// that starts from each item in input order and visits dependencies in the
// order they were declared. Dependencies naming no item are skipped.
//
// The returned order always contains every item. When the graph has cycles
// the order for the cycle members is unspecified and a *CycleError is
// returned alongside it.
func Resolve[T Node](items []T) ([]T, error) {
	index := make(map[string]int, len(items))
	for i, it := range items {
		if _, dup := index[it.Name()]; !dup {
			index[it.Name()] = i
		}
	}

	color := make([]int, len(items))
	onStack := make(map[int]int) // item index -> stack position
	order := make([]T, 0, len(items))
	var cycles [][]string

	for root := range items {
		if color[root] != white {
			continue
		}
		stack := []frame{{idx: root}}
		color[root] = grey
		onStack[root] = 0

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := items[top.idx].Dependencies()

			pushed := false
			for top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				j, ok := index[dep]
				if !ok {
					continue
				}
				switch color[j] {
				case white:
					color[j] = grey
					onStack[j] = len(stack)
					stack = append(stack, frame{idx: j})
					pushed = true
				case grey:
					start := onStack[j]
					cycle := make([]string, 0, len(stack)-start)
					for _, f := range stack[start:] {
						cycle = append(cycle, items[f.idx].Name())
					}
					cycles = append(cycles, cycle)
				}
				if pushed {
					break
				}
			}
			if pushed {
				continue
			}

			stack = stack[:len(stack)-1]
			color[top.idx] = black
			delete(onStack, top.idx)
			order = append(order, items[top.idx])
		}
	}

	if len(cycles) > 0 {
		return order, &CycleError{Cycles: cycles}
	}
	return order, nil
}

// Missing maps each item name to the declared dependencies that name no item.
// Items with every dependency present are omitted.
func Missing[T Node](items []T) map[string][]string {
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.Name()] = true
	}
	out := make(map[string][]string)
	for _, it := range items {
		for _, dep := range it.Dependencies() {
			if !known[dep] {
				out[it.Name()] = append(out[it.Name()], dep)
			}
		}
	}
	return out
}

// Dependents returns the names of items that depend, directly or
// transitively, on name. The result is sorted.
func Dependents[T Node](items []T, name string) []string {
	rev := make(map[string][]string)
	for _, it := range items {
		for _, dep := range it.Dependencies() {
			rev[dep] = append(rev[dep], it.Name())
		}
	}
	seen := map[string]bool{name: true}
	queue := []string{name}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range rev[cur] {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	sort.Strings(out)
	return out
}
