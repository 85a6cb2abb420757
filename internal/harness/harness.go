// Package harness executes declarative conformance scenarios: a YAML
// file describes a workspace, a sequence of operations, and expectations;
// Run replays it against a live client and records a deterministic trace.
//
// Trace determinism: the document uses a fixed actor, ids and keys are
// sorted, and notification events appear at their commit point, before
// the event of the step that triggered them.
package harness

import (
	"context"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/schema"
	"github.com/driftdoc/driftdoc/internal/workspace"
)

// harnessActor keeps stamps and ids stable across runs.
const harnessActor = "harness"

// Event is one trace entry.
type Event = map[string]any

// Result is a completed scenario run.
type Result struct {
	Trace []Event
}

type runner struct {
	client *workspace.Client
	trace  []Event
}

// Run executes the scenario and returns its trace. Step expectations are
// checked as the run proceeds; the first mismatch aborts with an error.
func Run(scenario *Scenario) (*Result, error) {
	def, err := decodeDefinition(scenario)
	if err != nil {
		return nil, err
	}

	doc := crdt.NewDocWithActor(harnessActor)
	defer doc.Close()

	client, err := workspace.New(context.Background(), workspace.Config{
		Definition: def,
		Doc:        doc,
	})
	if err != nil {
		return nil, fmt.Errorf("build workspace: %w", err)
	}
	defer client.Destroy()

	r := &runner{client: client}
	for _, target := range scenario.Observe {
		target := target
		if target == "kv" {
			client.KV().Observe(func(keys map[string]struct{}) {
				r.notify(target, keys)
			})
			continue
		}
		client.Table(target).Observe(func(ids map[string]struct{}) {
			r.notify(target, ids)
		})
	}

	if err := r.run("steps", scenario.Steps); err != nil {
		return nil, err
	}
	return &Result{Trace: r.trace}, nil
}

func decodeDefinition(scenario *Scenario) (*workspace.Definition, error) {
	var raw any
	if err := scenario.Workspace.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode workspace definition: %w", err)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode workspace definition: %w", err)
	}
	return workspace.ParseDefinition(data)
}

func (r *runner) notify(target string, keys map[string]struct{}) {
	sorted := make([]any, 0, len(keys))
	for _, k := range sortedSet(keys) {
		sorted = append(sorted, k)
	}
	r.trace = append(r.trace, Event{"op": "notify", "target": target, "keys": sorted})
}

func sortedSet(keys map[string]struct{}) []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (r *runner) run(prefix string, steps []Step) error {
	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", prefix, i)
		var ev Event
		var err error
		if step.Op == OpBatch {
			ev, err = r.batch(at, step)
		} else {
			ev, err = r.step(step)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
		r.trace = append(r.trace, ev)
		if step.Expect != nil {
			if err := subsetMatch(ev, step.Expect); err != nil {
				return fmt.Errorf("%s: expectation failed: %w", at, err)
			}
		}
	}
	return nil
}

func (r *runner) batch(at string, step Step) (Event, error) {
	var inner error
	err := r.client.Batch(func() error {
		inner = r.run(at+".steps", step.Steps)
		return inner
	})
	if inner != nil {
		return nil, inner
	}
	if err != nil {
		return nil, err
	}
	return Event{"op": "batch", "steps": len(step.Steps)}, nil
}

func (r *runner) step(step Step) (ev Event, err error) {
	// Table and slot helpers treat undeclared names and malformed rows
	// as programmer errors; in a scenario they are data errors.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()

	switch step.Op {
	case OpSet:
		r.client.Table(step.Table).Set(step.Row)
		id, _ := step.Row["id"].(string)
		return Event{"op": "set", "table": step.Table, "id": id}, nil

	case OpGet:
		res := r.client.Table(step.Table).Get(step.ID)
		return getEvent("get", "table", step.Table, res), nil

	case OpGetAll:
		all := r.client.Table(step.Table).GetAll()
		results := make([]any, 0, len(all))
		for _, res := range all {
			results = append(results, resultBody(res))
		}
		return Event{"op": "get_all", "table": step.Table, "results": results}, nil

	case OpUpdate:
		res := r.client.Table(step.Table).Update(step.ID, step.Patch)
		ev := Event{"op": "update", "table": step.Table, "id": step.ID, "status": res.Status.String()}
		if res.Status == workspace.Updated {
			ev["row"] = res.Row
		}
		if len(res.Issues) > 0 {
			ev["issues"] = issueList(res.Issues)
		}
		return ev, nil

	case OpDelete:
		status := r.client.Table(step.Table).Delete(step.ID)
		return Event{"op": "delete", "table": step.Table, "id": step.ID, "status": status.String()}, nil

	case OpClear:
		r.client.Table(step.Table).Clear()
		return Event{"op": "clear", "table": step.Table}, nil

	case OpCount:
		n := r.client.Table(step.Table).Count()
		return Event{"op": "count", "table": step.Table, "count": n}, nil

	case OpParse:
		res := r.client.Table(step.Table).Parse(step.ID, step.Row)
		ev := Event{"op": "parse", "table": step.Table, "id": step.ID, "status": res.Status.String()}
		if res.Status == schema.StatusValid {
			ev["row"] = res.Row
		} else {
			ev["issues"] = issueList(res.Issues)
		}
		return ev, nil

	case OpKVSet:
		r.client.KV().Set(step.Slot, step.Value)
		return Event{"op": "kv_set", "slot": step.Slot}, nil

	case OpKVGet:
		res := r.client.KV().Get(step.Slot)
		return getEvent("kv_get", "slot", step.Slot, res), nil

	case OpKVDelete:
		status := r.client.KV().Delete(step.Slot)
		return Event{"op": "kv_delete", "slot": step.Slot, "status": status.String()}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

func getEvent(op, scopeKey, scope string, res workspace.GetResult) Event {
	ev := Event{"op": op, scopeKey: scope, "id": res.ID, "status": res.Status.String()}
	switch res.Status {
	case workspace.GetValid:
		ev["row"] = res.Row
	case workspace.GetInvalid:
		ev["issues"] = issueList(res.Issues)
		ev["raw"] = res.Raw
	}
	return ev
}

func resultBody(res workspace.GetResult) map[string]any {
	body := map[string]any{"id": res.ID, "status": res.Status.String()}
	switch res.Status {
	case workspace.GetValid:
		body["row"] = res.Row
	case workspace.GetInvalid:
		body["issues"] = issueList(res.Issues)
	}
	return body
}

// issueList renders issues sorted by field then message, because
// validators report findings in no particular order.
func issueList(issues []schema.Issue) []any {
	sorted := make([]schema.Issue, len(issues))
	copy(sorted, issues)
	slices.SortFunc(sorted, func(a, b schema.Issue) int {
		if a.Field != b.Field {
			if a.Field < b.Field {
				return -1
			}
			return 1
		}
		switch {
		case a.Message < b.Message:
			return -1
		case a.Message > b.Message:
			return 1
		default:
			return 0
		}
	})
	out := make([]any, 0, len(sorted))
	for _, issue := range sorted {
		out = append(out, map[string]any{"field": issue.Field, "message": issue.Message})
	}
	return out
}

// subsetMatch checks that every field expected names is present in got
// with an equal value; maps recurse, numbers compare across int/float.
func subsetMatch(got map[string]any, expected map[string]any) error {
	for k, want := range expected {
		have, ok := got[k]
		if !ok {
			return fmt.Errorf("field %q missing, event %v", k, got)
		}
		if err := valueMatch(k, have, want); err != nil {
			return err
		}
	}
	return nil
}

func valueMatch(path string, have, want any) error {
	if wm, ok := want.(map[string]any); ok {
		hm, ok := have.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q: got %T, want object", path, have)
		}
		for k, w := range wm {
			h, ok := hm[k]
			if !ok {
				return fmt.Errorf("field %q.%s missing", path, k)
			}
			if err := valueMatch(path+"."+k, h, w); err != nil {
				return err
			}
		}
		return nil
	}

	if hn, hok := asFloat(have); hok {
		if wn, wok := asFloat(want); wok {
			if hn != wn {
				return fmt.Errorf("field %q: got %v, want %v", path, have, want)
			}
			return nil
		}
	}
	if have != want {
		return fmt.Errorf("field %q: got %v (%T), want %v (%T)", path, have, have, want, want)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
