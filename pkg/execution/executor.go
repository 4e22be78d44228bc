package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/flowmesh/pkg/events"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/protocol"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/template"
)

// DefaultNodeTimeout bounds a single node dispatch when neither the node nor
// the run options override it.
const DefaultNodeTimeout = 30 * time.Second

// EventPublisher pushes execution lifecycle events to subscribers. The
// executor treats publishing as best-effort; a broker failure never fails
// the execution.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event events.Event) error
}

// Executor runs validated workflow graphs. It is safe for concurrent use;
// all per-execution state lives in the run, never on the Executor.
type Executor struct {
	logger      *slog.Logger
	agents      protocol.AgentInvoker
	tools       protocol.ToolInvoker
	registry    *registry.Registry
	status      *StatusStore
	bus         EventPublisher
	tracer      trace.Tracer
	nodeTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithAgentInvoker(invoker protocol.AgentInvoker) ExecutorOption {
	return func(e *Executor) { e.agents = invoker }
}

func WithToolInvoker(invoker protocol.ToolInvoker) ExecutorOption {
	return func(e *Executor) { e.tools = invoker }
}

func WithRegistry(reg *registry.Registry) ExecutorOption {
	return func(e *Executor) { e.registry = reg }
}

func WithStatusStore(store *StatusStore) ExecutorOption {
	return func(e *Executor) { e.status = store }
}

func WithEventPublisher(bus EventPublisher) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

func WithNodeTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) { e.nodeTimeout = timeout }
}

func NewExecutor(logger *slog.Logger, opts ...ExecutorOption) *Executor {
	executor := &Executor{
		logger:      logger.With("module", "executor"),
		tracer:      otel.Tracer("flowmesh.execution"),
		nodeTimeout: DefaultNodeTimeout,
	}

	for _, opt := range opts {
		opt(executor)
	}

	if executor.registry == nil {
		executor.registry = registry.NewRegistry(logger)
	}

	return executor
}

// Options tunes one execution.
type Options struct {
	// ExecutionID overrides the generated id. Used by the manager so the id
	// exists before the execution starts.
	ExecutionID string
	// ExecutionTimeout bounds the whole run. Zero means the caller's context
	// is the only bound.
	ExecutionTimeout time.Duration
	// NodeTimeout overrides the per-node default for nodes without their own.
	NodeTimeout time.Duration
	// FailFast aborts on the first node failure even when the graph does not
	// declare it.
	FailFast bool
	// LenientTemplates leaves unresolved tokens verbatim instead of failing.
	LenientTemplates bool
}

// Result is the outcome of an execution. State is always populated, also
// when the run ended in an error.
type Result struct {
	ExecutionID string
	Output      any
	OutputKey   string
	State       *models.ExecutionState
}

// condOutcome carries a CONDITION node's verdict through the completion
// channel without it ever becoming the threaded latest_result.
type condOutcome struct {
	value bool
}

type completion struct {
	nodeID  string
	result  any
	err     error
	started time.Time
}

type run struct {
	ex     *Executor
	graph  *models.Graph
	opts   Options
	logger *slog.Logger
	execID string
	input  map[string]any

	ctx    context.Context
	cancel context.CancelFunc
	parent context.Context

	tctx  *template.Context
	state *models.ExecutionState

	// mu guards state, the failure bookkeeping, and the done flags, which
	// branch goroutines touch concurrently with the scheduler.
	mu           sync.Mutex
	firstErr     error
	firstErrNode string
	fatal        error
	outputDone   bool
	done         bool

	// Edge bookkeeping is touched only by the scheduler goroutine.
	pendingIn     map[string]int
	firedAny      map[string]bool
	firedEdges    map[string]bool
	prunedEdges   map[string]bool
	regionManaged map[string]bool
	regionByFork  map[string]*models.ParallelRegion

	completions chan completion
	inflight    int
}

// Execute validates the graph, then runs it to a terminal status. It blocks
// until every node reached a terminal status; ctx cancellation propagates to
// all in-flight invocations. On failure the returned Result still carries
// the final state snapshot next to the error.
func (e *Executor) Execute(ctx context.Context, graph *models.Graph, input map[string]any, opts Options) (*Result, error) {
	if validationErrors := graph.Validate(); len(validationErrors) > 0 {
		return nil, &models.GraphValidationError{GraphID: graph.ID, Errors: validationErrors}
	}

	execID := opts.ExecutionID
	if execID == "" {
		execID = "exec-" + uuid.New().String()[:8]
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", graph.ID),
			attribute.String("execution.id", execID),
		))
	defer span.End()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)

	if opts.ExecutionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.ExecutionTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var templateOpts []template.Option
	if opts.LenientTemplates {
		templateOpts = append(templateOpts, template.Lenient())
	}

	r := &run{
		ex:            e,
		graph:         graph,
		opts:          opts,
		logger:        e.logger.With("execution_id", execID, "workflow_id", graph.ID),
		execID:        execID,
		input:         input,
		ctx:           runCtx,
		cancel:        cancel,
		parent:        ctx,
		tctx:          template.NewContext(input, templateOpts...),
		state:         models.NewExecutionState(execID, graph.ID, nodeIDs(graph)),
		pendingIn:     make(map[string]int),
		firedAny:      make(map[string]bool),
		firedEdges:    make(map[string]bool),
		prunedEdges:   make(map[string]bool),
		regionManaged: make(map[string]bool),
		regionByFork:  make(map[string]*models.ParallelRegion),
		completions:   make(chan completion, len(graph.Nodes)+len(graph.ParallelRegions)+1),
	}

	r.prepare()

	if e.status != nil {
		e.status.Begin(r.state)
	}

	started := events.NewBaseEvent(events.ExecutionStartedEvent, execID, graph.ID)
	r.publish(events.ExecutionStarted{BaseEvent: started, Input: input})

	r.logger.Info("Starting execution", "nodes", len(graph.Nodes))

	result, err := r.execute()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

func nodeIDs(graph *models.Graph) []string {
	ids := make([]string, 0, len(graph.Nodes))
	for _, node := range graph.NodeList() {
		ids = append(ids, node.ID)
	}

	return ids
}

// prepare builds the readiness bookkeeping. Nodes inside a parallel region
// (branch chains and the join barrier) are driven by the region task, so
// their edges are excluded from the scheduler's counts.
func (r *run) prepare() {
	for _, region := range r.graph.ParallelRegions {
		r.regionByFork[region.ForkID] = region
		r.regionManaged[region.JoinID] = true

		for _, chain := range region.Branches {
			for _, nodeID := range chain {
				r.regionManaged[nodeID] = true
			}
		}
	}

	for _, edge := range r.graph.Edges {
		if r.regionManaged[edge.Target] {
			continue
		}

		r.pendingIn[edge.Target]++
	}
}

func (r *run) execute() (*Result, error) {
	startedAt := r.state.StartedAt

	for _, node := range r.graph.NodeList() {
		if r.regionManaged[node.ID] {
			continue
		}

		if r.pendingIn[node.ID] == 0 {
			r.schedule(node)
		}
	}

	for r.inflight > 0 {
		c := <-r.completions
		r.inflight--
		r.handle(c)
	}

	return r.finalize(time.Since(startedAt))
}

func (r *run) schedule(node *models.Node) {
	r.setNodeStatus(node.ID, models.NodeStatusRunning, nil, "")
	r.publish(events.NodeStarted{
		BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, r.execID, r.graph.ID),
		NodeID:    node.ID,
		NodeType:  node.Type,
	})

	r.inflight++

	go func() {
		started := time.Now()
		result, err := r.invoke(node, r.tctx)
		r.completions <- completion{nodeID: node.ID, result: result, err: err, started: started}
	}()
}

// invoke runs one node under its timeout and classifies any failure.
func (r *run) invoke(node *models.Node, tctx *template.Context) (any, error) {
	timeout := r.timeoutFor(node)

	nodeCtx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	nodeCtx, span := r.ex.tracer.Start(nodeCtx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
		))
	defer span.End()

	result, err := r.runNode(nodeCtx, node, tctx)
	if err != nil {
		err = r.classify(node, timeout, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

func (r *run) timeoutFor(node *models.Node) time.Duration {
	if node.TimeoutSeconds > 0 {
		return time.Duration(node.TimeoutSeconds) * time.Second
	}

	if r.opts.NodeTimeout > 0 {
		return r.opts.NodeTimeout
	}

	return r.ex.nodeTimeout
}

func (r *run) runNode(ctx context.Context, node *models.Node, tctx *template.Context) (any, error) {
	switch node.Type {
	case models.NodeTypeInput:
		return r.input, nil

	case models.NodeTypeAgent:
		config := node.Config.(*models.AgentConfig)

		prompt, err := tctx.Resolve(config.PromptTemplate)
		if err != nil {
			return nil, err
		}

		if r.ex.agents == nil {
			return nil, fmt.Errorf("no agent invoker configured")
		}

		return r.ex.agents.Invoke(ctx, config.AgentID, prompt)

	case models.NodeTypeTool:
		config := node.Config.(*models.ToolConfig)

		params, err := tctx.ResolveParams(config.ParamTemplates)
		if err != nil {
			return nil, err
		}

		if r.ex.tools == nil {
			return nil, fmt.Errorf("no tool invoker configured")
		}

		return r.ex.tools.Invoke(ctx, config.ToolID, params)

	case models.NodeTypeCondition:
		config := node.Config.(*models.ConditionConfig)

		value, _ := tctx.Latest()

		verdict, err := r.evaluatePredicate(config, value)
		if err != nil {
			return nil, err
		}

		return condOutcome{value: verdict}, nil

	case models.NodeTypeTransform:
		return r.runTransform(node, tctx)

	case models.NodeTypeOutput:
		value, _ := tctx.Latest()

		return value, nil

	default:
		return nil, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func (r *run) evaluatePredicate(config *models.ConditionConfig, value any) (bool, error) {
	switch config.Predicate {
	case models.PredicateContains:
		return containsFold(template.Stringify(value), config.Operand), nil
	case models.PredicateEquals:
		return template.Stringify(value) == config.Operand, nil
	case models.PredicateCustom:
		predicate, err := r.ex.registry.Predicate(config.Operand)
		if err != nil {
			return false, err
		}

		return predicate(value)
	default:
		return false, fmt.Errorf("unknown predicate %q", config.Predicate)
	}
}

func (r *run) runTransform(node *models.Node, tctx *template.Context) (any, error) {
	config := node.Config.(*models.TransformConfig)

	switch config.Function {
	case models.MergeFunction:
		// Both arms of an if/else converge here; the surviving value passes
		// through untouched.
		value, _ := tctx.Latest()

		return value, nil

	case models.JoinFunction:
		return nil, fmt.Errorf("node %s: join transform outside a parallel region", node.ID)
	}

	fn, err := r.ex.registry.Transform(config.Function)
	if err != nil {
		return nil, err
	}

	refs := config.InputRefs
	if len(refs) == 0 {
		refs = []string{template.LatestResultKey}
	}

	inputs := make(map[string]any, len(refs))

	var missing []string

	for _, ref := range refs {
		value, ok := tctx.Ref(ref)
		if !ok {
			missing = append(missing, ref)

			continue
		}

		inputs[ref] = value
	}

	if len(missing) > 0 {
		return nil, &template.ResolutionError{Template: config.Function, Missing: missing}
	}

	return fn(inputs)
}

// classify wraps raw node errors into the engine's error taxonomy and tells
// a per-node deadline apart from the run being torn down around the node.
func (r *run) classify(node *models.Node, timeout time.Duration, err error) error {
	switch {
	case template.IsResolution(err) || IsInvocation(err) || IsTimeout(err) || IsCancellation(err):
		return err

	case errors.Is(err, context.DeadlineExceeded):
		if runErr := r.ctx.Err(); runErr != nil {
			if errors.Is(runErr, context.DeadlineExceeded) {
				return &TimeoutError{Timeout: r.opts.ExecutionTimeout, Execution: true}
			}

			return &CancellationError{ExecutionID: r.execID}
		}

		return &TimeoutError{NodeID: node.ID, Timeout: timeout}

	case errors.Is(err, context.Canceled):
		if runErr := r.ctx.Err(); runErr != nil && errors.Is(runErr, context.DeadlineExceeded) {
			return &TimeoutError{Timeout: r.opts.ExecutionTimeout, Execution: true}
		}

		return &CancellationError{ExecutionID: r.execID}

	case node.Type == models.NodeTypeAgent || node.Type == models.NodeTypeTool:
		return &InvocationError{NodeID: node.ID, Err: err, Retriable: true}

	default:
		return fmt.Errorf("node %s: %w", node.ID, err)
	}
}

func (r *run) handle(c completion) {
	node := r.graph.Nodes[c.nodeID]
	duration := time.Since(c.started)

	if c.err != nil {
		r.handleFailure(node, c.err, duration)

		return
	}

	if r.isDone() {
		// A straggler finishing after the run settled. Record its outcome
		// without firing anything further.
		if r.outputReached() {
			r.setNodeStatus(node.ID, models.NodeStatusCompleted, unwrapOutcome(c.result), "")
		} else {
			r.setNodeStatus(node.ID, models.NodeStatusCancelled, nil, "")
		}

		return
	}

	if outcome, ok := c.result.(condOutcome); ok {
		r.setNodeStatus(node.ID, models.NodeStatusCompleted, outcome.value, "")
		r.tctx.SetResult(node.Name, outcome.value)
		r.publishNodeFinished(node, outcome.value, duration)
		r.fireCondition(node, outcome.value)

		return
	}

	r.setNodeStatus(node.ID, models.NodeStatusCompleted, c.result, "")
	r.publishNodeFinished(node, c.result, duration)

	if node.Type == models.NodeTypeOutput {
		key := "result"
		if config, ok := node.Config.(*models.OutputConfig); ok && config.Key != "" {
			key = config.Key
		}

		r.mu.Lock()
		r.state.Output = c.result
		r.state.OutputKey = key
		r.outputDone = true
		r.done = true
		r.mu.Unlock()

		r.cancel()

		return
	}

	r.tctx.SetResult(node.Name, c.result)
	r.tctx.SetLatest(c.result)

	if region := r.regionByFork[node.ID]; region != nil {
		r.inflight++

		go r.runRegion(region, c.result)
	}

	r.fireOutEdges(node.ID)
}

func unwrapOutcome(result any) any {
	if outcome, ok := result.(condOutcome); ok {
		return outcome.value
	}

	return result
}

func (r *run) handleFailure(node *models.Node, err error, duration time.Duration) {
	status := models.NodeStatusFailed
	if IsCancellation(err) {
		status = models.NodeStatusCancelled
	}

	if r.isDone() {
		// Torn down around this node after the run settled.
		settle := models.NodeStatusCancelled
		if r.outputReached() {
			settle = models.NodeStatusSkipped
		}

		r.setNodeStatus(node.ID, settle, nil, "")

		return
	}

	r.setNodeStatus(node.ID, status, nil, err.Error())

	if status == models.NodeStatusCancelled {
		// The run is being torn down around this node; the teardown cause
		// decides the overall status, not this node.
		return
	}

	r.publish(events.NodeFailed{
		BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, r.execID, r.graph.ID),
		NodeID:    node.ID,
		Error:     err.Error(),
		Duration:  duration,
	})

	r.logger.Warn("Node failed", "node_id", node.ID, "error", err)

	fatal := r.noteFailure(node, err)
	if fatal {
		return
	}

	// Continue-on-error: poison only this node's downstream paths.
	for _, edge := range r.graph.Edges {
		if edge.Source == node.ID {
			r.pruneEdge(edge)
		}
	}
}

// noteFailure records the failure and decides whether it aborts the whole
// run. Safe to call from branch goroutines.
func (r *run) noteFailure(node *models.Node, err error) bool {
	var timeoutErr *TimeoutError

	fatal := r.opts.FailFast || r.graph.FailFast ||
		IsBranchAggregation(err) ||
		(errors.As(err, &timeoutErr) && timeoutErr.Execution)

	if node != nil && node.Required {
		fatal = true
	}

	r.mu.Lock()

	if r.firstErr == nil {
		r.firstErr = err
		if node != nil {
			r.firstErrNode = node.ID
		}
	}

	if fatal && r.fatal == nil {
		r.fatal = err
		r.done = true
	}

	r.mu.Unlock()

	if fatal {
		r.cancel()
	}

	return fatal
}

func (r *run) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.done
}

func (r *run) outputReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.outputDone
}

func (r *run) fireOutEdges(sourceID string) {
	for _, edge := range r.graph.Edges {
		if edge.Source != sourceID || r.regionManaged[edge.Target] {
			continue
		}

		r.fireEdge(edge)
	}
}

func (r *run) fireCondition(node *models.Node, verdict bool) {
	for _, edge := range r.graph.Edges {
		if edge.Source != node.ID {
			continue
		}

		selected := edge.Type == models.EdgeTypeData ||
			(edge.Type == models.EdgeTypeConditionTrue && verdict) ||
			(edge.Type == models.EdgeTypeConditionFalse && !verdict)

		if selected {
			r.fireEdge(edge)
		} else {
			r.pruneEdge(edge)
		}
	}
}

func (r *run) fireEdge(edge *models.Edge) {
	if r.firedEdges[edge.ID] || r.prunedEdges[edge.ID] {
		return
	}

	r.firedEdges[edge.ID] = true
	r.firedAny[edge.Target] = true
	r.pendingIn[edge.Target]--

	if r.pendingIn[edge.Target] == 0 && !r.isDone() {
		r.schedule(r.graph.Nodes[edge.Target])
	}
}

// pruneEdge withdraws one dependency. A node whose every incoming edge was
// pruned is SKIPPED and the prune cascades through its out-edges; a node
// with at least one fired edge still runs once the rest settle.
func (r *run) pruneEdge(edge *models.Edge) {
	if r.firedEdges[edge.ID] || r.prunedEdges[edge.ID] {
		return
	}

	r.prunedEdges[edge.ID] = true

	target := edge.Target
	if r.regionManaged[target] {
		return
	}

	r.pendingIn[target]--
	if r.pendingIn[target] > 0 {
		return
	}

	if r.firedAny[target] {
		if !r.isDone() {
			r.schedule(r.graph.Nodes[target])
		}

		return
	}

	r.setNodeStatus(target, models.NodeStatusSkipped, nil, "")
	r.publish(events.NodeSkipped{
		BaseEvent: events.NewBaseEvent(events.NodeSkippedEvent, r.execID, r.graph.ID),
		NodeID:    target,
	})

	for _, out := range r.graph.Edges {
		if out.Source == target {
			r.pruneEdge(out)
		}
	}
}

// runRegion executes the branch chains of one parallel region under its
// concurrency bound, waits for all of them, and delivers the join aggregate
// keyed by declared branch index.
func (r *run) runRegion(region *models.ParallelRegion, forkResult any) {
	join := r.graph.Nodes[region.JoinID]

	bound := region.MaxConcurrency
	if bound <= 0 || bound > len(region.Branches) {
		bound = len(region.Branches)
	}

	sem := semaphore.NewWeighted(int64(bound))
	results := make([]any, len(region.Branches))
	failures := make([]error, len(region.Branches))

	var wg sync.WaitGroup

	for i, chain := range region.Branches {
		wg.Add(1)

		go func(i int, chain []string) {
			defer wg.Done()

			if err := sem.Acquire(r.ctx, 1); err != nil {
				r.markChain(chain, models.NodeStatusCancelled, "execution cancelled before branch started")
				failures[i] = &CancellationError{ExecutionID: r.execID}

				return
			}
			defer sem.Release(1)

			results[i], failures[i] = r.runChain(chain, forkResult)
		}(i, chain)
	}

	wg.Wait()

	// A run torn down mid-region must not fire its join downstream: the
	// teardown cause becomes the join's outcome instead of the aggregate, so
	// cancelled branches are never laundered into ordinary error values.
	if runErr := r.ctx.Err(); runErr != nil && !r.outputReached() {
		joinErr := error(&CancellationError{ExecutionID: r.execID})
		if errors.Is(runErr, context.DeadlineExceeded) {
			joinErr = &TimeoutError{Timeout: r.opts.ExecutionTimeout, Execution: true}
		}

		r.completions <- completion{nodeID: region.JoinID, err: joinErr, started: time.Now()}

		return
	}

	r.setNodeStatus(region.JoinID, models.NodeStatusRunning, nil, "")

	started := time.Now()
	aggregate := make(map[string]any, len(region.Branches))

	for i := range region.Branches {
		key := strconv.Itoa(i + 1)

		if failures[i] != nil {
			aggregate[key] = map[string]any{"error": failures[i].Error()}

			continue
		}

		aggregate[key] = results[i]
	}

	if len(aggregate) != len(region.Branches) {
		r.completions <- completion{
			nodeID:  region.JoinID,
			err:     &BranchAggregationError{JoinID: region.JoinID, Expected: len(region.Branches), Got: len(aggregate)},
			started: started,
		}

		return
	}

	output := any(aggregate)

	// A join carrying a user transform applies it to the aggregate; the bare
	// join passes the aggregate through.
	if config, ok := join.Config.(*models.TransformConfig); ok && config.Function != models.JoinFunction {
		fn, err := r.ex.registry.Transform(config.Function)
		if err != nil {
			r.completions <- completion{nodeID: region.JoinID, err: err, started: started}

			return
		}

		output, err = fn(aggregate)
		if err != nil {
			r.completions <- completion{nodeID: region.JoinID, err: err, started: started}

			return
		}
	}

	r.completions <- completion{nodeID: region.JoinID, result: output, started: started}
}

// runChain executes one branch's node chain sequentially against a
// branch-local context, so concurrent branches never race on latest_result.
func (r *run) runChain(chain []string, forkResult any) (any, error) {
	branch := r.tctx.Child()
	branch.SetLatest(forkResult)

	for idx, nodeID := range chain {
		node := r.graph.Nodes[nodeID]

		if r.ctx.Err() != nil {
			r.markChain(chain[idx:], models.NodeStatusCancelled, "execution cancelled")

			return nil, &CancellationError{ExecutionID: r.execID}
		}

		r.setNodeStatus(nodeID, models.NodeStatusRunning, nil, "")
		r.publish(events.NodeStarted{
			BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, r.execID, r.graph.ID),
			NodeID:    nodeID,
			NodeType:  node.Type,
		})

		started := time.Now()

		result, err := r.invoke(node, branch)
		if err != nil {
			status := models.NodeStatusFailed
			if IsCancellation(err) {
				status = models.NodeStatusCancelled
			}

			r.setNodeStatus(nodeID, status, nil, err.Error())

			if status == models.NodeStatusFailed {
				r.publish(events.NodeFailed{
					BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, r.execID, r.graph.ID),
					NodeID:    nodeID,
					Error:     err.Error(),
					Duration:  time.Since(started),
				})
				r.logger.Warn("Branch node failed", "node_id", nodeID, "error", err)
				r.noteFailure(node, err)
			}

			rest := chain[idx+1:]
			if status == models.NodeStatusCancelled {
				r.markChain(rest, models.NodeStatusCancelled, "upstream cancelled")
			} else {
				r.markChain(rest, models.NodeStatusSkipped, "")
			}

			return nil, err
		}

		r.setNodeStatus(nodeID, models.NodeStatusCompleted, unwrapOutcome(result), "")
		r.publishNodeFinished(node, unwrapOutcome(result), time.Since(started))

		branch.SetResult(node.Name, unwrapOutcome(result))
		branch.SetLatest(unwrapOutcome(result))
	}

	latest, _ := branch.Latest()

	return latest, nil
}

func (r *run) markChain(nodeIDs []string, status models.NodeStatus, errMsg string) {
	for _, nodeID := range nodeIDs {
		r.setNodeStatus(nodeID, status, nil, errMsg)

		if status == models.NodeStatusSkipped {
			r.publish(events.NodeSkipped{
				BaseEvent: events.NewBaseEvent(events.NodeSkippedEvent, r.execID, r.graph.ID),
				NodeID:    nodeID,
			})
		}
	}
}

func (r *run) setNodeStatus(nodeID string, status models.NodeStatus, output any, errMsg string) {
	r.mu.Lock()

	node := r.state.Nodes[nodeID]
	if node == nil {
		node = &models.NodeExecution{NodeID: nodeID, Status: models.NodeStatusPending}
		r.state.Nodes[nodeID] = node
	}

	if node.Status.Terminal() {
		r.mu.Unlock()

		return
	}

	now := time.Now().UTC()

	if status == models.NodeStatusRunning && node.StartedAt == nil {
		node.StartedAt = &now
	}

	if status.Terminal() {
		node.EndedAt = &now
	}

	node.Status = status
	node.Output = output
	node.Error = errMsg

	r.mu.Unlock()

	if r.ex.status != nil {
		_ = r.ex.status.UpdateNode(r.execID, nodeID, status, output, errMsg)
	}
}

func (r *run) finalize(duration time.Duration) (*Result, error) {
	r.mu.Lock()
	outputDone := r.outputDone
	fatal := r.fatal
	firstErr := r.firstErr
	firstErrNode := r.firstErrNode
	r.mu.Unlock()

	var (
		status   models.ExecutionStatus
		finalErr error
	)

	switch {
	case outputDone:
		status = models.ExecutionStatusCompleted

	case fatal != nil:
		status = models.ExecutionStatusFailed
		if IsCancellation(fatal) {
			status = models.ExecutionStatusCancelled
		}

		finalErr = fatal

	case r.parent.Err() != nil && errors.Is(r.parent.Err(), context.Canceled):
		status = models.ExecutionStatusCancelled
		finalErr = &CancellationError{ExecutionID: r.execID}

	case r.ctx.Err() != nil && errors.Is(r.ctx.Err(), context.DeadlineExceeded):
		status = models.ExecutionStatusFailed
		finalErr = &TimeoutError{Timeout: r.opts.ExecutionTimeout, Execution: true}

	case firstErr != nil:
		status = models.ExecutionStatusFailed
		finalErr = firstErr

	default:
		status = models.ExecutionStatusFailed
		finalErr = fmt.Errorf("execution drained without reaching an OUTPUT node")
	}

	// Settle every node that never reached a terminal status, so the state
	// always satisfies "all nodes terminal" once the execution is.
	settle := models.NodeStatusCancelled
	if status == models.ExecutionStatusCompleted {
		settle = models.NodeStatusSkipped
	}

	r.mu.Lock()

	for nodeID, node := range r.state.Nodes {
		if !node.Status.Terminal() {
			r.mu.Unlock()
			r.setNodeStatus(nodeID, settle, nil, "")
			r.mu.Lock()
		}
	}

	now := time.Now().UTC()
	r.state.Status = status
	r.state.EndedAt = &now

	errMsg := ""
	if finalErr != nil {
		errMsg = finalErr.Error()
		r.state.Error = errMsg
		r.state.ErrorNodeID = firstErrNode
	}

	output := r.state.Output
	outputKey := r.state.OutputKey
	snapshot := r.state.Clone()
	r.mu.Unlock()

	if r.ex.status != nil {
		_ = r.ex.status.SetOverall(r.execID, status, output, outputKey, errMsg, firstErrNode)
	}

	r.publishFinal(status, finalErr, firstErrNode, output, duration)

	r.logger.Info("Execution finished", "status", status, "duration", duration, "error", errMsg)

	// The result ships even on failure: callers without a status store still
	// get the full per-node map next to the terminal error.
	return &Result{
		ExecutionID: r.execID,
		Output:      output,
		OutputKey:   outputKey,
		State:       snapshot,
	}, finalErr
}

func (r *run) publishFinal(status models.ExecutionStatus, finalErr error, errorNodeID string, output any, duration time.Duration) {
	switch status {
	case models.ExecutionStatusCompleted:
		r.publish(events.ExecutionCompleted{
			BaseEvent: events.NewBaseEvent(events.ExecutionCompletedEvent, r.execID, r.graph.ID),
			Output:    output,
			Duration:  duration,
		})

	case models.ExecutionStatusCancelled:
		r.publish(events.ExecutionCancelled{
			BaseEvent: events.NewBaseEvent(events.ExecutionCancelledEvent, r.execID, r.graph.ID),
			Duration:  duration,
		})

	default:
		if IsTimeout(finalErr) {
			r.publish(events.ExecutionTimeout{
				BaseEvent: events.NewBaseEvent(events.ExecutionTimeoutEvent, r.execID, r.graph.ID),
				Timeout:   r.opts.ExecutionTimeout,
			})
		}

		errMsg := ""
		if finalErr != nil {
			errMsg = finalErr.Error()
		}

		r.publish(events.ExecutionFailed{
			BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, r.execID, r.graph.ID),
			Error:       errMsg,
			ErrorNodeID: errorNodeID,
			Duration:    duration,
		})
	}
}

func (r *run) publishNodeFinished(node *models.Node, output any, duration time.Duration) {
	r.publish(events.NodeFinished{
		BaseEvent: events.NewBaseEvent(events.NodeFinishedEvent, r.execID, r.graph.ID),
		NodeID:    node.ID,
		Output:    output,
		Duration:  duration,
	})
}

// containsFold is a case-insensitive substring check, so condition operands
// match regardless of how the agent capitalized its answer.
func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// publish delivers an event best-effort. It deliberately ignores the run
// context: a cancelled execution still announces its terminal event.
func (r *run) publish(event events.Event) {
	if r.ex.bus == nil {
		return
	}

	if err := r.ex.bus.Publish(context.Background(), r.execID, event); err != nil {
		r.logger.Warn("Failed to publish execution event", "event_type", event.GetType(), "error", err)
	}
}
