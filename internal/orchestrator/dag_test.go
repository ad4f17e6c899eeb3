package orchestrator

import (
	"errors"
	"reflect"
	"testing"

	taskererrors "github.com/tasker-run/tasker/internal/errors"
)

func TestValidateDAGTopologicalOrder(t *testing.T) {
	nodes := []stepNode{
		{Name: "c", Deps: []string{"a", "b"}},
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
	}
	order, err := validateDAG(nodes)
	if err != nil {
		t.Fatalf("validateDAG() error = %v", err)
	}
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("order = %v, want a before b before c", order)
	}
}

func TestValidateDAGDetectsCycle(t *testing.T) {
	nodes := []stepNode{
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"a"}},
	}
	_, err := validateDAG(nodes)
	if !errors.Is(err, taskererrors.ErrCyclicDependencies) {
		t.Fatalf("validateDAG() error = %v, want ErrCyclicDependencies", err)
	}
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	nodes := []stepNode{{Name: "a", Deps: []string{"ghost"}}}
	if _, err := validateDAG(nodes); err == nil {
		t.Fatal("validateDAG() error = nil, want error for unknown dependency")
	}
}

func TestValidateDAGRejectsDuplicateNames(t *testing.T) {
	nodes := []stepNode{{Name: "a"}, {Name: "a"}}
	if _, err := validateDAG(nodes); err == nil {
		t.Fatal("validateDAG() error = nil, want error for duplicate names")
	}
}

func TestValidateDAGEmpty(t *testing.T) {
	order, err := validateDAG(nil)
	if err != nil {
		t.Fatalf("validateDAG(nil) error = %v", err)
	}
	if !reflect.DeepEqual(order, []string(nil)) {
		t.Errorf("validateDAG(nil) = %v, want nil", order)
	}
}
