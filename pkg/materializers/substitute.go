package materializers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/openfroyo/deployer/pkg/engine"
)

// placeholderPattern matches {{path}} placeholders such as {{abc123.itemId}}
// or {{orgUrl}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// ReplaceInTemplate substitutes {{...}} placeholders in every string of a
// JSON document. A path whose first segment names an item known to dctx
// resolves against that item: "itemId" yields its created id and any other
// key is looked up in its facts. Other paths resolve against the solution
// facts. Placeholders that cannot be resolved are left untouched. Numbers
// are copied verbatim.
func ReplaceInTemplate(raw json.RawMessage, dctx *engine.DeploymentContext) (json.RawMessage, error) {
	if dctx == nil {
		return raw, nil
	}
	return replaceRaw(raw, newFactLookup(dctx, nil))
}

// ReplaceInItem is ReplaceInTemplate for the payload of tmpl. Item paths
// resolve only against the dependencies of tmpl, which are settled before
// tmpl is created; placeholders naming any other item are left untouched.
func ReplaceInItem(raw json.RawMessage, tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) (json.RawMessage, error) {
	if dctx == nil {
		return raw, nil
	}
	scope := make(map[string]bool, len(tmpl.Dependencies))
	for _, dep := range tmpl.Dependencies {
		scope[dep] = true
	}
	return replaceRaw(raw, newFactLookup(dctx, scope))
}

// ReplaceInString substitutes placeholders in a single string.
func ReplaceInString(s string, dctx *engine.DeploymentContext) string {
	if dctx == nil {
		return s
	}
	return replaceString(s, newFactLookup(dctx, nil))
}

func replaceRaw(raw json.RawMessage, lookup factLookup) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode template payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("failed to decode template payload: unexpected data after document")
	}

	out, err := json.Marshal(replaceValue(doc, lookup))
	if err != nil {
		return nil, fmt.Errorf("failed to encode template payload: %w", err)
	}
	return out, nil
}

type factLookup func(path []string) (interface{}, bool)

// newFactLookup resolves placeholder paths against dctx. A nil scope allows
// every item; otherwise only items in scope resolve as items.
func newFactLookup(dctx *engine.DeploymentContext, scope map[string]bool) factLookup {
	solution := dctx.SolutionFacts()

	return func(path []string) (interface{}, bool) {
		if len(path) >= 2 && (scope == nil || scope[path[0]]) {
			if createdID, ok := dctx.CreatedID(path[0]); ok {
				if path[1] == "itemId" && len(path) == 2 {
					return createdID, true
				}
				return lookupPath(dctx.Facts(path[0]), path[1:])
			}
		}
		if scope != nil && len(path) >= 2 && !scope[path[0]] {
			if _, isItem := dctx.Handle(path[0]); isItem {
				return nil, false
			}
		}
		return lookupPath(solution, path)
	}
}

func lookupPath(m map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = m
	for _, key := range path {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func replaceValue(v interface{}, lookup factLookup) interface{} {
	switch val := v.(type) {
	case string:
		// A string that is exactly one placeholder keeps the fact's type
		if m := placeholderPattern.FindStringSubmatch(val); m != nil && m[0] == strings.TrimSpace(val) {
			if resolved, ok := lookup(strings.Split(m[1], ".")); ok {
				return resolved
			}
			return val
		}
		return replaceString(val, lookup)
	case map[string]interface{}:
		for k, child := range val {
			val[k] = replaceValue(child, lookup)
		}
		return val
	case []interface{}:
		for i, child := range val {
			val[i] = replaceValue(child, lookup)
		}
		return val
	default:
		// json.Number and literals pass through unchanged
		return v
	}
}

func replaceString(s string, lookup factLookup) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholderPattern.FindStringSubmatch(match)
		resolved, ok := lookup(strings.Split(m[1], "."))
		if !ok {
			return match
		}
		return fmt.Sprint(resolved)
	})
}

// resolveDependencies maps each dependency of tmpl to its created id. External
// dependencies that were never seeded map to themselves.
func resolveDependencies(tmpl *engine.ItemTemplate, dctx *engine.DeploymentContext) map[string]string {
	deps := make(map[string]string, len(tmpl.Dependencies))
	for _, dep := range tmpl.Dependencies {
		createdID := dep
		if dctx != nil {
			if id, ok := dctx.CreatedID(dep); ok {
				createdID = id
			}
		}
		deps[dep] = createdID
	}
	return deps
}
