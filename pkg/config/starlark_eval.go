package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a facts script when no timeout is configured.
const DefaultScriptTimeout = 5 * time.Second

// StarlarkEvaluator executes Starlark scripts with a timeout.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// WithMaxSteps caps the number of computation steps a script may take.
func (se *StarlarkEvaluator) WithMaxSteps(n uint64) *StarlarkEvaluator {
	se.maxSteps = n
	return se
}

// Evaluate executes script with input as predeclared values and returns its
// exported globals. Globals whose names start with an underscore are private.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "facts",
		Print: func(*starlark.Thread, string) {},
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	fail := func(err error) (*StarlarkResult, error) {
		return &StarlarkResult{ExecutionTime: time.Since(start), Error: err.Error()}, err
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalCtx.Err() != nil {
			return fail(fmt.Errorf("starlark execution of %s cancelled after %v: %w", filename, time.Since(start).Round(time.Millisecond), evalCtx.Err()))
		}
		return fail(fmt.Errorf("starlark execution failed: %w", err))
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name == "" || name[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return fail(fmt.Errorf("failed to convert global %s: %w", name, err))
		}
		output[name] = goVal
	}

	return &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

// EvaluateFacts runs the solution's facts script. The script sees
// solution (a struct with name and version) and templates (a list of item
// ids). The returned map is empty when the solution has no script.
func (se *StarlarkEvaluator) EvaluateFacts(ctx context.Context, s *Solution) (map[string]interface{}, error) {
	if s.FactsScript == "" {
		return map[string]interface{}{}, nil
	}

	ids := make([]interface{}, len(s.Templates))
	for i, t := range s.Templates {
		ids[i] = t.ItemID
	}
	input := map[string]interface{}{
		"solution": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":    starlark.String(s.Name),
			"version": starlark.String(s.Version),
		}),
		"templates": ids,
	}

	filename := "factsScript"
	if s.Source != "" {
		filename = s.Source + "#factsScript"
	}
	result, err := se.Evaluate(ctx, filename, s.FactsScript, input)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := range list {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
