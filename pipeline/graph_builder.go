package pipeline

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/davidroman0O/orca/errors"
)

// StageGraphBuilder builds the synthetic stages that run immediately before or
// after a parent stage. A builder only ever produces one kind of scope and is
// meant for a single goroutine; concurrent use is detected and reported by Build.
type StageGraphBuilder struct {
	parent         *Stage
	owner          SyntheticStageOwner
	requiredPrefix *Stage

	// arena of stages keyed by refId, plus insertion order
	nodes map[string]*Stage
	order []string
	// stage ID -> refId
	present map[string]string
	// refId -> downstream refIds
	edges map[string]map[string]struct{}

	lastAdded *Stage
	// replay ignores the scope's stored stages when numbering
	replay bool

	busy    atomic.Bool
	misused atomic.Bool
}

// BeforeStages returns a builder for stages that run before parent.
// requiredPrefix may be nil.
func BeforeStages(parent *Stage, requiredPrefix *Stage) *StageGraphBuilder {
	return newStageGraphBuilder(parent, OwnerBefore, requiredPrefix, false)
}

// AfterStages returns a builder for stages that run after parent.
// requiredPrefix may be nil.
func AfterStages(parent *Stage, requiredPrefix *Stage) *StageGraphBuilder {
	return newStageGraphBuilder(parent, OwnerAfter, requiredPrefix, false)
}

// ReplayStages returns a builder for a scope whose first build was interrupted
// after some of its stages were stored. The stored stages do not count toward
// the refId offset, so replaying the same initializers yields the same refIds
// and the caller can skip the ones it already has.
func ReplayStages(parent *Stage, owner SyntheticStageOwner, requiredPrefix *Stage) *StageGraphBuilder {
	return newStageGraphBuilder(parent, owner, requiredPrefix, true)
}

func newStageGraphBuilder(parent *Stage, owner SyntheticStageOwner, requiredPrefix *Stage, replay bool) *StageGraphBuilder {
	b := &StageGraphBuilder{
		replay:         replay,
		parent:         parent,
		owner:          owner,
		requiredPrefix: requiredPrefix,
		nodes:          make(map[string]*Stage),
		present:        make(map[string]string),
		edges:          make(map[string]map[string]struct{}),
	}
	if requiredPrefix != nil {
		b.add(requiredPrefix)
	}
	return b
}

// Owner returns the scope this builder produces
func (b *StageGraphBuilder) Owner() SyntheticStageOwner {
	return b.owner
}

// Parent returns the stage the graph is built around
func (b *StageGraphBuilder) Parent() *Stage {
	return b.parent
}

// Add creates a stage, runs init on it and adds it to the graph
func (b *StageGraphBuilder) Add(init func(*Stage)) *Stage {
	stage := newSyntheticStage(init)
	if !b.enter() {
		return stage
	}
	defer b.leave()

	b.add(stage)
	return stage
}

// AddStage adds an existing stage to the graph. Adding a stage twice keeps its refId.
func (b *StageGraphBuilder) AddStage(stage *Stage) *Stage {
	if !b.enter() {
		return stage
	}
	defer b.leave()

	b.add(stage)
	return stage
}

// Connect adds both stages if needed and makes next wait for previous
func (b *StageGraphBuilder) Connect(previous, next *Stage) {
	if !b.enter() {
		return
	}
	defer b.leave()

	b.connect(previous, next)
}

// ConnectNew creates a stage with init and connects it after previous
func (b *StageGraphBuilder) ConnectNew(previous *Stage, init func(*Stage)) *Stage {
	stage := newSyntheticStage(init)
	if !b.enter() {
		return stage
	}
	defer b.leave()

	b.connect(previous, stage)
	return stage
}

// Append creates a stage with init and connects it after the most recently
// added stage. With nothing added yet it behaves like Add.
func (b *StageGraphBuilder) Append(init func(*Stage)) *Stage {
	return b.AppendStage(newSyntheticStage(init))
}

// AppendStage connects stage after the most recently added stage
func (b *StageGraphBuilder) AppendStage(stage *Stage) *Stage {
	if !b.enter() {
		return stage
	}
	defer b.leave()

	if b.lastAdded == nil {
		b.add(stage)
	} else {
		b.connect(b.lastAdded, stage)
	}
	return stage
}

// Build finalizes the graph and returns its stages in insertion order.
// With a required prefix, every stage that was never wired waits for the prefix.
// Dangling requisites, cycles and concurrent use are reported as errors.
func (b *StageGraphBuilder) Build() ([]*Stage, error) {
	if !b.enter() {
		return nil, b.misuseError()
	}
	defer b.leave()

	if b.misused.Load() {
		return nil, b.misuseError()
	}

	if b.requiredPrefix != nil {
		for _, refID := range append([]string(nil), b.order...) {
			node := b.nodes[refID]
			if node.ID == b.requiredPrefix.ID || len(node.RequisiteStageRefIDs) > 0 {
				continue
			}
			b.connect(b.requiredPrefix, node)
		}
	}

	if err := b.validateRequisites(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	out := make([]*Stage, 0, len(b.order))
	for _, refID := range b.order {
		out = append(out, b.nodes[refID])
	}
	return out, nil
}

// Successors returns the refIds that wait for refID, sorted
func (b *StageGraphBuilder) Successors(refID string) []string {
	out := make([]string, 0, len(b.edges[refID]))
	for next := range b.edges[refID] {
		out = append(out, next)
	}
	sort.Strings(out)
	return out
}

func newSyntheticStage(init func(*Stage)) *Stage {
	stage := NewStage("", "")
	if init != nil {
		init(stage)
	}
	return stage
}

func (b *StageGraphBuilder) add(stage *Stage) {
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	stage.Execution = b.parent.Execution
	stage.ParentStageID = b.parent.ID
	stage.SyntheticStageOwner = b.owner
	if stage.Status == "" {
		stage.Status = StatusNotStarted
	}

	if _, ok := b.present[stage.ID]; !ok {
		if existing := b.existingInScope(stage); existing != nil && existing.RefID != "" {
			// already persisted in this scope by an earlier builder
			stage.RefID = existing.RefID
		} else {
			stage.RefID = b.nextRefID()
		}
		b.present[stage.ID] = stage.RefID
		b.nodes[stage.RefID] = stage
		b.order = append(b.order, stage.RefID)
	}
	b.lastAdded = stage
}

func (b *StageGraphBuilder) connect(previous, next *Stage) {
	b.add(previous)
	b.add(next)

	next.AddRequisite(previous.RefID)
	if b.edges[previous.RefID] == nil {
		b.edges[previous.RefID] = make(map[string]struct{})
	}
	b.edges[previous.RefID][next.RefID] = struct{}{}
}

// nextRefID derives the refId from the parent refId, the scope, and how many
// stages the scope already holds in the execution and in this builder.
func (b *StageGraphBuilder) nextRefID() string {
	offset := 0
	if b.parent.Execution != nil && !b.replay {
		offset = len(b.parent.Execution.SyntheticStages(b.parent.ID, b.owner))
	}
	offset += len(b.order)

	sep := ">"
	if b.owner == OwnerBefore {
		sep = "<"
	}
	return fmt.Sprintf("%s%s%d", b.parent.RefID, sep, offset)
}

func (b *StageGraphBuilder) existingInScope(stage *Stage) *Stage {
	if b.parent.Execution == nil {
		return nil
	}
	existing := b.parent.Execution.StageByID(stage.ID)
	if existing == nil || existing.ParentStageID != b.parent.ID || existing.SyntheticStageOwner != b.owner {
		return nil
	}
	return existing
}

func (b *StageGraphBuilder) validateRequisites() error {
	for _, refID := range b.order {
		node := b.nodes[refID]
		for _, req := range node.RequisiteStageRefIDs {
			if _, ok := b.nodes[req]; ok {
				continue
			}
			if b.parent.Execution != nil && b.parent.Execution.StageByRefID(req, b.parent.ID, b.owner) != nil {
				continue
			}
			return errors.WithContext(
				errors.Newf(errors.ErrDanglingReference, "stage %s requires unknown refId %s", refID, req),
				map[string]interface{}{"parentStageId": b.parent.ID, "owner": string(b.owner)},
			)
		}
	}
	return nil
}

// detectCycles runs a colouring DFS over requisite edges inside the graph
func (b *StageGraphBuilder) detectCycles() error {
	const (
		white = iota
		grey
		black
	)

	upstream := make(map[string][]string, len(b.nodes))
	for _, refID := range b.order {
		for _, req := range b.nodes[refID].RequisiteStageRefIDs {
			if _, ok := b.nodes[req]; ok {
				upstream[refID] = append(upstream[refID], req)
			}
		}
	}

	colour := make(map[string]int, len(b.nodes))
	var visit func(string, []string) error
	visit = func(refID string, path []string) error {
		colour[refID] = grey
		path = append(path, refID)
		for _, req := range upstream[refID] {
			switch colour[req] {
			case grey:
				return errors.Newf(errors.ErrCycle, "dependency cycle: %v -> %s", path, req)
			case white:
				if err := visit(req, path); err != nil {
					return err
				}
			}
		}
		colour[refID] = black
		return nil
	}

	for _, refID := range b.order {
		if colour[refID] == white {
			if err := visit(refID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *StageGraphBuilder) enter() bool {
	if !b.busy.CompareAndSwap(false, true) {
		b.misused.Store(true)
		return false
	}
	return true
}

func (b *StageGraphBuilder) leave() {
	b.busy.Store(false)
}

func (b *StageGraphBuilder) misuseError() error {
	return errors.Newf(errors.ErrBuilderMisuse,
		"stage graph builder for %s (%s) was used from more than one goroutine", b.parent.RefID, b.owner)
}
