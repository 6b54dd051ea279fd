package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"nowhere-ai/internal/domain"
)

type schemaKey struct {
	agentKind domain.AgentKind
	taskKind  string
}

// SchemaRegistry holds compiled payload schemas keyed by (agent kind, task
// kind). Agents register their operations at startup; Submit rejects payloads
// that fail validation and task kinds nobody registered.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	schemas  map[schemaKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		compiler: jsonschema.NewCompiler(),
		schemas:  make(map[schemaKey]*jsonschema.Schema),
	}
}

// Register compiles schemaJSON and binds it to (agentKind, taskKind).
// Re-registering a pair replaces the previous schema.
func (r *SchemaRegistry) Register(agentKind domain.AgentKind, taskKind string, schemaJSON []byte) error {
	if taskKind == "" {
		return domain.NewValidationError("schema.register", "task kind must not be empty", "kind")
	}
	schema, err := r.compiler.Compile(schemaJSON)
	if err != nil {
		return domain.NewValidationError("schema.register", "invalid schema for "+string(agentKind)+"/"+taskKind, "schema")
	}
	r.mu.Lock()
	r.schemas[schemaKey{agentKind, taskKind}] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the registered schema. An unregistered
// (agentKind, taskKind) pair is a validation failure, not a lookup miss.
func (r *SchemaRegistry) Validate(agentKind domain.AgentKind, taskKind string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey{agentKind, taskKind}]
	r.mu.RUnlock()
	if !ok {
		return domain.NewValidationError("schema.validate",
			"unknown task kind "+taskKind+" for agent "+string(agentKind), "kind")
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return domain.NewValidationError("schema.validate", "payload is not valid JSON", "payload")
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return domain.NewValidationError("schema.validate", fmt.Sprintf("%s", result.Error()), "payload")
	}
	return nil
}

// Kinds lists the registered task kinds for an agent, sorted.
func (r *SchemaRegistry) Kinds(agentKind domain.AgentKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.schemas {
		if k.agentKind == agentKind {
			out = append(out, k.taskKind)
		}
	}
	sort.Strings(out)
	return out
}
