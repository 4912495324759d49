package graph

import "testing"

func TestValidateRequiresExactlyOneTrigger(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"a": {ID: "a", Kind: KindTrigger},
		"b": {ID: "b", Kind: KindTrigger},
	}}
	err := g.Validate()
	if err == nil {
		t.Fatal("expected error for two triggers")
	}
}

func TestValidateRejectsOrphanNode(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"trigger": {ID: "trigger", Kind: KindTrigger},
		"orphan":  {ID: "orphan", Kind: KindHttp},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for orphan node")
	}
}

func TestValidateRejectsMissingDependency(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"trigger": {ID: "trigger", Kind: KindTrigger},
		"b":       {ID: "b", Kind: KindHttp, DependsOn: []string{"missing"}},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for missing dependency")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"trigger": {ID: "trigger", Kind: KindTrigger},
		"a":       {ID: "a", Kind: KindHttp, DependsOn: []string{"trigger", "b"}},
		"b":       {ID: "b", Kind: KindHttp, DependsOn: []string{"a"}},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for cycle")
	}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"trigger": {ID: "trigger", Kind: KindTrigger},
		"a":       {ID: "a", Kind: KindHttp, DependsOn: []string{"trigger"}},
		"b":       {ID: "b", Kind: KindHttp, DependsOn: []string{"a"}},
	}}
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReadyComputesWaves(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"trigger": {ID: "trigger", Kind: KindTrigger},
		"a":       {ID: "a", Kind: KindHttp, DependsOn: []string{"trigger"}},
		"b":       {ID: "b", Kind: KindHttp, DependsOn: []string{"trigger"}},
		"join":    {ID: "join", Kind: KindJoin, DependsOn: []string{"a", "b"}},
	}}
	succeeded := map[string]struct{}{"trigger": {}}
	terminal := map[string]struct{}{"trigger": {}}
	ready, skip := g.Ready(succeeded, terminal)
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready nodes after trigger, got %d", len(ready))
	}
	if len(skip) != 0 {
		t.Fatalf("expected no skips, got %v", skip)
	}

	succeeded["a"] = struct{}{}
	succeeded["b"] = struct{}{}
	terminal["a"] = struct{}{}
	terminal["b"] = struct{}{}
	ready, skip = g.Ready(succeeded, terminal)
	if len(ready) != 1 || ready[0].ID != "join" {
		t.Fatalf("expected join to become ready, got %v", ready)
	}
	if len(skip) != 0 {
		t.Fatalf("expected no skips, got %v", skip)
	}
}

func TestReadySkipsDownstreamOfNonCriticalFailure(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{
		"trigger": {ID: "trigger", Kind: KindTrigger},
		"flaky":   {ID: "flaky", Kind: KindHttp, DependsOn: []string{"trigger"}},
		"next":    {ID: "next", Kind: KindHttp, DependsOn: []string{"flaky"}},
		"join":    {ID: "join", Kind: KindJoin, DependsOn: []string{"flaky"}},
	}}
	succeeded := map[string]struct{}{"trigger": {}}
	terminal := map[string]struct{}{"trigger": {}, "flaky": {}} // flaky failed: terminal but not succeeded

	ready, skip := g.Ready(succeeded, terminal)
	if len(ready) != 1 || ready[0].ID != "join" {
		t.Fatalf("expected join to run over the failed branch, got ready=%v", ready)
	}
	if len(skip) != 1 || skip[0].ID != "next" {
		t.Fatalf("expected next to be skipped, got %v", skip)
	}
}
