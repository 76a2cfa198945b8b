package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/orca/errors"
)

func newParent(t *testing.T) (*Execution, *Stage) {
	t.Helper()
	exec := NewExecution(TypePipeline, "orca", "deploy web")
	parent := NewStage("deploy", "Deploy")
	parent.RefID = "1"
	exec.AddStage(parent)
	return exec, parent
}

func withType(stageType string) func(*Stage) {
	return func(s *Stage) {
		s.Type = stageType
		s.Name = stageType
	}
}

func TestBuilderConnectScenario(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)

	a := b.Add(withType("validate"))
	bStage := b.Add(withType("prepare"))
	b.Connect(a, bStage)

	stages, err := b.Build()
	require.NoError(t, err)
	require.Len(t, stages, 2)

	assert.Equal(t, "1<0", a.RefID)
	assert.Equal(t, "1<1", bStage.RefID)
	assert.Equal(t, []string{"1<0"}, bStage.RequisiteStageRefIDs)
	assert.Empty(t, a.RequisiteStageRefIDs)
	assert.Equal(t, []string{"1<1"}, b.Successors("1<0"))

	for _, s := range stages {
		assert.Equal(t, parent.ID, s.ParentStageID)
		assert.Equal(t, OwnerBefore, s.SyntheticStageOwner)
		assert.Same(t, parent.Execution, s.Execution)
	}
}

func TestBuilderRequiredPrefixWiring(t *testing.T) {
	_, parent := newParent(t)
	prefix := NewStage("setup", "Setup")
	b := AfterStages(parent, prefix)

	a := b.Add(withType("a"))
	bStage := b.Add(withType("b"))
	c := b.Add(withType("c"))

	stages, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, []*Stage{prefix, a, bStage, c}, stages)

	assert.Equal(t, "1>0", prefix.RefID)
	assert.Empty(t, prefix.RequisiteStageRefIDs)
	for _, s := range []*Stage{a, bStage, c} {
		assert.Equal(t, []string{prefix.RefID}, s.RequisiteStageRefIDs, s.Type)
	}
}

func TestBuilderRequiredPrefixKeepsExplicitWiring(t *testing.T) {
	_, parent := newParent(t)
	prefix := NewStage("setup", "Setup")
	b := AfterStages(parent, prefix)

	a := b.Add(withType("a"))
	c := b.ConnectNew(a, withType("c"))

	_, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, []string{prefix.RefID}, a.RequisiteStageRefIDs)
	assert.Equal(t, []string{a.RefID}, c.RequisiteStageRefIDs)
}

func TestBuilderLinearAppendChain(t *testing.T) {
	_, parent := newParent(t)
	b := AfterStages(parent, nil)

	a := b.Append(withType("a"))
	bStage := b.Append(withType("b"))
	c := b.Append(withType("c"))

	_, err := b.Build()
	require.NoError(t, err)

	assert.Empty(t, a.RequisiteStageRefIDs)
	assert.Equal(t, []string{a.RefID}, bStage.RequisiteStageRefIDs)
	assert.Equal(t, []string{bStage.RefID}, c.RequisiteStageRefIDs)
}

func TestBuilderFanOutFanIn(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)

	root := b.Add(withType("root"))
	left := b.ConnectNew(root, withType("left"))
	right := b.ConnectNew(root, withType("right"))
	join := b.Add(withType("join"))
	b.Connect(left, join)
	b.Connect(right, join)

	stages, err := b.Build()
	require.NoError(t, err)
	require.Len(t, stages, 4)

	assert.Equal(t, []string{left.RefID, right.RefID}, join.RequisiteStageRefIDs)
	assert.Equal(t, []string{left.RefID, right.RefID}, b.Successors(root.RefID))
}

func TestBuilderIdempotentAdd(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)

	s := b.Add(withType("validate"))
	ref := s.RefID

	b.AddStage(s)
	b.AddStage(s)

	stages, err := b.Build()
	require.NoError(t, err)
	assert.Len(t, stages, 1)
	assert.Equal(t, ref, s.RefID)

	// A decoded copy carries the same durable ID and is recognized as present.
	copied := s.Clone()
	b.AddStage(copied)
	stages, err = b.Build()
	require.NoError(t, err)
	assert.Len(t, stages, 1)
}

func TestBuilderRefIDsAreUnique(t *testing.T) {
	_, parent := newParent(t)
	b := AfterStages(parent, NewStage("prefix", "prefix"))

	first := b.Add(withType("1"))
	b.Append(withType("2"))
	b.ConnectNew(first, withType("3"))
	b.Append(withType("4"))
	b.Connect(b.Add(withType("5")), b.Add(withType("6")))
	b.AddStage(first)

	stages, err := b.Build()
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, s := range stages {
		assert.False(t, seen[s.RefID], "duplicate refId %s", s.RefID)
		seen[s.RefID] = true
	}
	assert.Len(t, seen, 7)
}

func TestBuilderOffsetsAcrossBuilders(t *testing.T) {
	exec, parent := newParent(t)

	first := AfterStages(parent, nil)
	first.Append(withType("a"))
	first.Append(withType("b"))
	stages, err := first.Build()
	require.NoError(t, err)
	for _, s := range stages {
		exec.AddStage(s)
	}

	second := AfterStages(parent, nil)
	c := second.Add(withType("c"))
	assert.Equal(t, "1>2", c.RefID)

	// Before-stages of the same parent are a separate scope.
	before := BeforeStages(parent, nil)
	d := before.Add(withType("d"))
	assert.Equal(t, "1<0", d.RefID)

	// An already persisted stage keeps its refId and can be wired to.
	second.Connect(stages[1], c)
	assert.Equal(t, "1>1", stages[1].RefID)
	assert.Equal(t, []string{"1>1"}, c.RequisiteStageRefIDs)
}

func TestBuilderRequisiteResolvesAgainstExecutionScope(t *testing.T) {
	exec, parent := newParent(t)

	first := AfterStages(parent, nil)
	a := first.Add(withType("a"))
	_, err := first.Build()
	require.NoError(t, err)
	exec.AddStage(a)

	second := AfterStages(parent, nil)
	second.Add(func(s *Stage) {
		s.Type = "b"
		s.AddRequisite(a.RefID)
	})
	_, err = second.Build()
	assert.NoError(t, err)
}

func TestBuilderDanglingRequisite(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)
	b.Add(func(s *Stage) {
		s.Type = "orphan"
		s.AddRequisite("1<9")
	})

	_, err := b.Build()
	require.Error(t, err)
	assert.Equal(t, errors.ErrDanglingReference, errors.GetCode(err))
	assert.True(t, errors.IsBuilderMisuse(err))
	assert.Contains(t, err.Error(), "1<9")
}

func TestBuilderRejectsCycles(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)
	a := b.Add(withType("a"))
	c := b.ConnectNew(a, withType("c"))
	b.Connect(c, a)

	_, err := b.Build()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCycle, errors.GetCode(err))
}

func TestBuilderReportsConcurrentUse(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)
	b.Add(withType("a"))

	// another goroutine is inside the builder
	b.busy.Store(true)
	b.Add(withType("b"))
	b.busy.Store(false)

	_, err := b.Build()
	require.Error(t, err)
	assert.Equal(t, errors.ErrBuilderMisuse, errors.GetCode(err))

	// the misuse is sticky
	_, err = b.Build()
	assert.Equal(t, errors.ErrBuilderMisuse, errors.GetCode(err))
}

func TestBuilderDeterministicReplay(t *testing.T) {
	build := func() []string {
		_, parent := newParent(t)
		b := AfterStages(parent, NewStage("setup", "setup"))
		a := b.Add(withType("a"))
		b.ConnectNew(a, withType("b"))
		b.Add(withType("c"))
		stages, err := b.Build()
		require.NoError(t, err)

		var out []string
		for _, s := range stages {
			out = append(out, s.Type+"="+s.RefID)
			for _, r := range s.RequisiteStageRefIDs {
				out = append(out, s.RefID+"<-"+r)
			}
		}
		return out
	}

	assert.Equal(t, build(), build())
}

func TestBuilderStagesWithoutIDAreDistinct(t *testing.T) {
	_, parent := newParent(t)
	b := BeforeStages(parent, nil)

	a := b.AddStage(&Stage{Type: "validate"})
	c := b.AddStage(&Stage{Type: "prepare"})

	stages, err := b.Build()
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, "1<0", a.RefID)
	assert.Equal(t, "1<1", c.RefID)
}

func TestReplayStagesRepeatsInterruptedNumbering(t *testing.T) {
	exec, parent := newParent(t)

	plan := func(b *StageGraphBuilder) []*Stage {
		b.Append(withType("b1"))
		b.Append(withType("b2"))
		stages, err := b.Build()
		require.NoError(t, err)
		return stages
	}

	first := plan(BeforeStages(parent, nil))
	// only the first stage made it to the execution
	exec.AddStage(first[0])

	replayed := plan(ReplayStages(parent, OwnerBefore, nil))
	require.Len(t, replayed, 2)
	assert.Equal(t, first[0].RefID, replayed[0].RefID)
	assert.Equal(t, "1<1", replayed[1].RefID)
	assert.Equal(t, []string{"1<0"}, replayed[1].RequisiteStageRefIDs)

	// a plain builder keeps extending the scope instead
	extra := BeforeStages(parent, nil).Add(withType("b3"))
	assert.Equal(t, "1<1", extra.RefID)
}
