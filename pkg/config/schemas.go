package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaSolution is the name of the built-in solution schema.
const SchemaSolution = "solution"

// SchemaRegistry holds compiled CUE definitions that documents are unified
// against before decoding. A cue.Context is not safe for concurrent use, so
// every operation on the registry is serialized.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaSolution, "#Solution", builtinSolutionSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition named def
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	file := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := file.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	val := file.LookupPath(cue.ParsePath(def))
	if !val.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = val
	return nil
}

// HasSchema reports whether a schema is registered under name.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	_, ok := sr.schemas[name]
	return ok
}

// unify must be called with sr.mu held.
func (sr *SchemaRegistry) unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.schemas[schemaName]
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	_, err := sr.unify(schemaName, dataVal)
	return err
}

// DecodeCUE compiles a CUE document, unifies it with the named schema, and
// decodes the result into out.
func (sr *SchemaRegistry) DecodeCUE(schemaName, filename string, src []byte, out interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return err
	}
	unified, err := sr.unify(schemaName, val)
	if err != nil {
		return err
	}
	return unified.Decode(out)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSolutionSchema = `
#Template: {
	itemId: string & !=""
	type:   string & !=""
	dependencies?: [...string & !=""]
	estimatedDeploymentCostFactor?: int & >=0
	item?: {...}
	data?: _
	resources?: [...string]
	...
}

#Solution: {
	name:         string & !=""
	version?:     string
	description?: string
	facts?: {[string]: _}
	factsScript?: string
	templates: [...#Template]
	...
}
`
