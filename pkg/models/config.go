package models

// NodeConfig is the tagged union of per-type node configuration. The
// concrete variant is selected by Node.Type when decoding interchange JSON.
type NodeConfig interface {
	nodeConfig()
}

// InputConfig configures an INPUT node. The initial input map is supplied at
// execution time, not stored on the graph.
type InputConfig struct{}

// OutputConfig configures an OUTPUT node.
type OutputConfig struct {
	// Key names the final value in the execution result. Defaults to "result".
	Key string `json:"key,omitempty"`
}

// AgentConfig configures an AGENT node.
type AgentConfig struct {
	AgentID        string `json:"agent_id"        validate:"required"`
	PromptTemplate string `json:"prompt_template" validate:"required"`
}

// ToolConfig configures a TOOL node. Parameter values are templates resolved
// against the execution context before dispatch.
type ToolConfig struct {
	ToolID         string            `json:"tool_id" validate:"required"`
	ParamTemplates map[string]string `json:"param_templates,omitempty"`
}

// PredicateKind selects how a CONDITION node evaluates latest_result.
type PredicateKind string

const (
	PredicateContains PredicateKind = "contains"
	PredicateEquals   PredicateKind = "equals"
	// PredicateCustom resolves Operand as the name of a registered predicate.
	PredicateCustom PredicateKind = "custom"
)

// ConditionConfig configures a CONDITION node.
type ConditionConfig struct {
	Predicate PredicateKind `json:"predicate" validate:"required"`
	Operand   string        `json:"operand"`
}

// Reserved transform function names handled by the executor itself rather
// than the registry.
const (
	// JoinFunction aggregates parallel branch results keyed by branch index.
	JoinFunction = "__join__"
	// MergeFunction passes through the surviving value at an if/else merge.
	MergeFunction = "__merge__"
)

// TransformConfig configures a TRANSFORM node. Function names a registered
// transform; InputRefs are explicit context references (node names, branch
// indexes such as "1", or latest_result).
type TransformConfig struct {
	Function  string   `json:"function" validate:"required"`
	InputRefs []string `json:"input_refs,omitempty"`
}

func (*InputConfig) nodeConfig()     {}
func (*OutputConfig) nodeConfig()    {}
func (*AgentConfig) nodeConfig()     {}
func (*ToolConfig) nodeConfig()      {}
func (*ConditionConfig) nodeConfig() {}
func (*TransformConfig) nodeConfig() {}
