// Package flow is the fluent builder for workflow graphs. It assembles the
// same node/edge model the executor runs, so anything expressed here
// round-trips through interchange JSON unchanged: parallel blocks become
// fork→join regions, if/else blocks become condition nodes with a merge.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/protocol"
	"github.com/flowmesh/flowmesh/pkg/registry"
)

// Builder accumulates a workflow graph step by step. Construction errors
// are collected and surfaced at Build or Run, so chains stay uncluttered.
type Builder struct {
	graph    *models.Graph
	registry *registry.Registry
	logger   *slog.Logger

	agents protocol.AgentInvoker
	tools  protocol.ToolInvoker
	status *execution.StatusStore
	bus    execution.EventPublisher

	execOpts execution.Options
	failFast bool

	errs    []error
	nodeSeq int
	edgeSeq int

	// current is the chain tail outside any open block.
	current string

	parallel *parallelBlock
	cond     *condBlock

	hasOutput bool
}

type parallelBlock struct {
	forkID   string
	branches [][]string
	chain    []string
}

type condBlock struct {
	condID string
	// nextEdge types the edge to the next appended node: CONDITION_TRUE or
	// CONDITION_FALSE right after the arm opens, DATA afterwards.
	nextEdge models.EdgeType
	trueTail string
	inElse   bool
}

// Option configures a Builder.
type Option func(*Builder)

func WithAgentInvoker(invoker protocol.AgentInvoker) Option {
	return func(b *Builder) { b.agents = invoker }
}

func WithToolInvoker(invoker protocol.ToolInvoker) Option {
	return func(b *Builder) { b.tools = invoker }
}

func WithRegistry(reg *registry.Registry) Option {
	return func(b *Builder) { b.registry = reg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

func WithStatusStore(store *execution.StatusStore) Option {
	return func(b *Builder) { b.status = store }
}

func WithEventPublisher(bus execution.EventPublisher) Option {
	return func(b *Builder) { b.bus = bus }
}

// WithFailFast aborts the whole execution on the first node failure.
func WithFailFast() Option {
	return func(b *Builder) { b.failFast = true }
}

func WithExecutionTimeout(timeout time.Duration) Option {
	return func(b *Builder) { b.execOpts.ExecutionTimeout = timeout }
}

func WithNodeTimeout(timeout time.Duration) Option {
	return func(b *Builder) { b.execOpts.NodeTimeout = timeout }
}

// WithLenientTemplates leaves unresolved template tokens verbatim.
func WithLenientTemplates() Option {
	return func(b *Builder) { b.execOpts.LenientTemplates = true }
}

// NewFlow starts a builder with an implicit INPUT node.
func NewFlow(name string, opts ...Option) *Builder {
	b := &Builder{
		graph: models.NewGraph("", name, ""),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if b.registry == nil {
		b.registry = registry.NewRegistry(b.logger)
	}

	input := b.newNode("input", models.NodeTypeInput, &models.InputConfig{})
	b.current = input.ID

	return b
}

// Ask appends an AGENT node. The prompt template is resolved against the
// execution context right before dispatch.
func (b *Builder) Ask(agentID, promptTemplate string) *Builder {
	if agentID == "" {
		return b.fail("ask requires an agent id")
	}

	node := b.newNode("ask", models.NodeTypeAgent, &models.AgentConfig{
		AgentID:        agentID,
		PromptTemplate: promptTemplate,
	})

	return b.append(node)
}

// Tool appends a TOOL node. Param values are templates.
func (b *Builder) Tool(toolID string, params map[string]string) *Builder {
	if toolID == "" {
		return b.fail("tool requires a tool id")
	}

	node := b.newNode("tool", models.NodeTypeTool, &models.ToolConfig{
		ToolID:         toolID,
		ParamTemplates: params,
	})

	return b.append(node)
}

// Transform appends a TRANSFORM node referencing a registered function.
// Refs name context values fed to it: node names, branch indexes such as
// "1", or latest_result. No refs means latest_result alone.
func (b *Builder) Transform(function string, refs ...string) *Builder {
	if function == "" {
		return b.fail("transform requires a function name")
	}

	node := b.newNode("transform", models.NodeTypeTransform, &models.TransformConfig{
		Function:  function,
		InputRefs: refs,
	})

	return b.append(node)
}

// ExecuteFunc appends a TRANSFORM node running an inline function. The
// function is registered under a generated name, so the graph itself stays
// serializable; a deserialized copy needs the function re-registered.
func (b *Builder) ExecuteFunc(fn protocol.TransformFunc, refs ...string) *Builder {
	if fn == nil {
		return b.fail("execute func requires a function")
	}

	b.nodeSeq++
	name := fmt.Sprintf("fn_%d", b.nodeSeq)
	b.registry.RegisterTransform(name, fn)

	node := b.newNode("transform", models.NodeTypeTransform, &models.TransformConfig{
		Function:  name,
		InputRefs: refs,
	})

	return b.append(node)
}

// Parallel opens a parallel block forked from the current node. The first
// branch starts immediately; Branch starts the next one.
func (b *Builder) Parallel() *Builder {
	if b.parallel != nil {
		return b.fail("parallel blocks cannot nest")
	}

	if b.cond != nil {
		return b.fail("parallel block inside a condition arm is not supported")
	}

	b.parallel = &parallelBlock{forkID: b.current}

	return b
}

// Branch closes the current parallel branch and starts the next.
func (b *Builder) Branch() *Builder {
	if b.parallel == nil {
		return b.fail("branch outside a parallel block")
	}

	if len(b.parallel.chain) == 0 {
		return b.fail("empty parallel branch")
	}

	b.parallel.branches = append(b.parallel.branches, b.parallel.chain)
	b.parallel.chain = nil

	return b
}

// EndParallel closes the block with a join barrier. maxConcurrency bounds
// how many branches run at once; zero or negative means all at once. Join
// results are keyed "1".."n" by branch declaration order.
func (b *Builder) EndParallel(maxConcurrency int) *Builder {
	if b.parallel == nil {
		return b.fail("end parallel outside a parallel block")
	}

	if len(b.parallel.chain) == 0 {
		return b.fail("empty parallel branch")
	}

	block := b.parallel
	block.branches = append(block.branches, block.chain)
	b.parallel = nil

	if maxConcurrency <= 0 || maxConcurrency > len(block.branches) {
		maxConcurrency = len(block.branches)
	}

	join := b.newNode("join", models.NodeTypeTransform, &models.TransformConfig{
		Function: models.JoinFunction,
	})

	for _, chain := range block.branches {
		b.newEdge(chain[len(chain)-1], join.ID, models.EdgeTypeData)
	}

	b.graph.ParallelRegions = append(b.graph.ParallelRegions, &models.ParallelRegion{
		ForkID:         block.forkID,
		JoinID:         join.ID,
		Branches:       block.branches,
		MaxConcurrency: maxConcurrency,
	})

	b.current = join.ID

	return b
}

// IfContains opens a condition testing latest_result for a substring.
func (b *Builder) IfContains(operand string) *Builder {
	return b.openCond(&models.ConditionConfig{Predicate: models.PredicateContains, Operand: operand})
}

// IfEquals opens a condition testing latest_result for string equality.
func (b *Builder) IfEquals(operand string) *Builder {
	return b.openCond(&models.ConditionConfig{Predicate: models.PredicateEquals, Operand: operand})
}

// If opens a condition running a registered predicate over latest_result.
func (b *Builder) If(predicateName string) *Builder {
	return b.openCond(&models.ConditionConfig{Predicate: models.PredicateCustom, Operand: predicateName})
}

// IfFunc opens a condition running an inline predicate.
func (b *Builder) IfFunc(predicate protocol.Predicate) *Builder {
	if predicate == nil {
		return b.fail("if func requires a predicate")
	}

	b.nodeSeq++
	name := fmt.Sprintf("pred_%d", b.nodeSeq)
	b.registry.RegisterPredicate(name, predicate)

	return b.If(name)
}

func (b *Builder) openCond(config *models.ConditionConfig) *Builder {
	if b.parallel != nil {
		return b.fail("condition inside a parallel block is not supported")
	}

	if b.cond != nil {
		return b.fail("condition blocks cannot nest")
	}

	node := b.newNode("cond", models.NodeTypeCondition, config)
	b.newEdge(b.current, node.ID, models.EdgeTypeData)
	b.current = node.ID

	b.cond = &condBlock{condID: node.ID, nextEdge: models.EdgeTypeConditionTrue}

	return b
}

// ElseBranch switches from the true arm to the false arm.
func (b *Builder) ElseBranch() *Builder {
	if b.cond == nil {
		return b.fail("else outside a condition block")
	}

	if b.cond.inElse {
		return b.fail("duplicate else branch")
	}

	if b.current == b.cond.condID {
		return b.fail("empty true branch before else")
	}

	b.cond.trueTail = b.current
	b.cond.inElse = true
	b.cond.nextEdge = models.EdgeTypeConditionFalse
	b.current = b.cond.condID

	return b
}

// EndIf closes the condition with a merge node carrying the surviving arm's
// value. Without an else arm, a false verdict routes straight to the merge.
func (b *Builder) EndIf() *Builder {
	if b.cond == nil {
		return b.fail("end if outside a condition block")
	}

	block := b.cond
	b.cond = nil

	merge := b.newNode("merge", models.NodeTypeTransform, &models.TransformConfig{
		Function: models.MergeFunction,
	})

	if block.inElse {
		if b.current == block.condID {
			return b.fail("empty else branch")
		}

		b.newEdge(block.trueTail, merge.ID, models.EdgeTypeData)
		b.newEdge(b.current, merge.ID, models.EdgeTypeData)
	} else {
		if b.current == block.condID {
			return b.fail("empty true branch")
		}

		b.newEdge(b.current, merge.ID, models.EdgeTypeData)
		b.newEdge(block.condID, merge.ID, models.EdgeTypeConditionFalse)
	}

	b.current = merge.ID

	return b
}

// Output appends the OUTPUT node recording the final value under key. An
// empty key defaults to "result".
func (b *Builder) Output(key string) *Builder {
	if b.parallel != nil || b.cond != nil {
		return b.fail("output inside an open block")
	}

	node := b.newNode("output", models.NodeTypeOutput, &models.OutputConfig{Key: key})
	b.hasOutput = true

	return b.append(node)
}

// Build finalizes and validates the graph. An OUTPUT node is appended
// automatically when the chain does not end in one.
func (b *Builder) Build() (*models.Graph, error) {
	if b.parallel != nil {
		b.fail("unclosed parallel block")
	}

	if b.cond != nil {
		b.fail("unclosed condition block")
	}

	if !b.hasOutput && len(b.errs) == 0 {
		b.Output("")
	}

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	b.graph.FailFast = b.failFast

	if validationErrors := b.graph.Validate(); len(validationErrors) > 0 {
		return nil, &models.GraphValidationError{GraphID: b.graph.ID, Errors: validationErrors}
	}

	return b.graph, nil
}

// Run builds the graph and executes it to completion.
func (b *Builder) Run(ctx context.Context, input map[string]any) (*execution.Result, error) {
	graph, err := b.Build()
	if err != nil {
		return nil, err
	}

	opts := []execution.ExecutorOption{
		execution.WithRegistry(b.registry),
	}

	if b.agents != nil {
		opts = append(opts, execution.WithAgentInvoker(b.agents))
	}

	if b.tools != nil {
		opts = append(opts, execution.WithToolInvoker(b.tools))
	}

	if b.status != nil {
		opts = append(opts, execution.WithStatusStore(b.status))
	}

	if b.bus != nil {
		opts = append(opts, execution.WithEventPublisher(b.bus))
	}

	executor := execution.NewExecutor(b.logger, opts...)

	return executor.Execute(ctx, graph, input, b.execOpts)
}

// Registry exposes the builder's registry, so callers can pre-register
// named transforms and predicates referenced by Transform and If.
func (b *Builder) Registry() *registry.Registry {
	return b.registry
}

func (b *Builder) newNode(prefix string, nodeType models.NodeType, config models.NodeConfig) *models.Node {
	b.nodeSeq++

	node := &models.Node{
		ID:     fmt.Sprintf("%s-%d", prefix, b.nodeSeq),
		Name:   fmt.Sprintf("%s_%d", prefix, b.nodeSeq),
		Type:   nodeType,
		Config: config,
	}

	if err := b.graph.AddNode(node); err != nil {
		b.errs = append(b.errs, err)
	}

	return node
}

func (b *Builder) newEdge(source, target string, edgeType models.EdgeType) {
	b.edgeSeq++

	err := b.graph.AddEdge(&models.Edge{
		ID:     fmt.Sprintf("e-%d", b.edgeSeq),
		Source: source,
		Target: target,
		Type:   edgeType,
	})
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

// append wires a new step to wherever the chain currently is: the open
// parallel branch, the open condition arm, or the top-level tail.
func (b *Builder) append(node *models.Node) *Builder {
	if b.parallel != nil {
		source := b.parallel.forkID
		if len(b.parallel.chain) > 0 {
			source = b.parallel.chain[len(b.parallel.chain)-1]
		}

		b.newEdge(source, node.ID, models.EdgeTypeData)
		b.parallel.chain = append(b.parallel.chain, node.ID)

		return b
	}

	edgeType := models.EdgeTypeData
	if b.cond != nil && b.current == b.cond.condID {
		edgeType = b.cond.nextEdge
	}

	b.newEdge(b.current, node.ID, edgeType)
	b.current = node.ID

	return b
}

func (b *Builder) fail(msg string) *Builder {
	b.errs = append(b.errs, errors.New(msg))

	return b
}
