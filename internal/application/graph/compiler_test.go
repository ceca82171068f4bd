package graph

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagoflow/pkg/domain"
)

func nop(ctx context.Context, in domain.StepInput) (domain.Context, error) {
	return nil, nil
}

func step(name string, after ...string) domain.StepDefinition {
	return domain.StepDefinition{Name: name, After: after, Handler: nop}
}

func TestCompileDiamond(t *testing.T) {
	g, err := NewCompiler(nil).Compile(domain.WorkflowDefinition{
		Name:    "diamond",
		Version: 1,
		Steps: []domain.StepDefinition{
			step("d", "b", "c"),
			step("c", "a"),
			step("b", "a"),
			step("a"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c", "b", "d"}, g.Order)
	assert.ElementsMatch(t, []string{"b", "c"}, g.Nodes["a"].Dependents)
	assert.Equal(t, []string{"b", "c"}, g.Nodes["d"].Predecessors)
}

func TestCompileTopologicalProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		names := rng.Perm(n)
		steps := make([]domain.StepDefinition, n)
		// Edges only point from lower to higher rank, so the graph is acyclic;
		// declaration order is shuffled independently.
		for rank := 0; rank < n; rank++ {
			var after []string
			for pred := 0; pred < rank; pred++ {
				if rng.Intn(3) == 0 {
					after = append(after, fmt.Sprintf("s%d", pred))
				}
			}
			steps[names[rank]] = step(fmt.Sprintf("s%d", rank), after...)
		}

		g, err := NewCompiler(nil).Compile(domain.WorkflowDefinition{Name: "random", Steps: steps})
		require.NoError(t, err)
		require.Len(t, g.Order, n)

		position := make(map[string]int, n)
		for i, name := range g.Order {
			position[name] = i
		}
		for _, s := range steps {
			for _, pred := range s.After {
				assert.Less(t, position[pred], position[s.Name], "round %d: %s before %s", round, pred, s.Name)
			}
		}
	}
}

func TestCompileCycle(t *testing.T) {
	_, err := NewCompiler(nil).Compile(domain.WorkflowDefinition{
		Name: "cyclic",
		Steps: []domain.StepDefinition{
			step("start"),
			step("a", "start", "c"),
			step("b", "a"),
			step("c", "b"),
		},
	})
	require.ErrorIs(t, err, domain.ErrCycleDetected)

	var defErr *domain.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Equal(t, []string{"a", "b", "c", "a"}, defErr.Cycle)
}

func TestCompileSelfPredecessor(t *testing.T) {
	_, err := NewCompiler(nil).Compile(domain.WorkflowDefinition{
		Name:  "self",
		Steps: []domain.StepDefinition{step("a", "a")},
	})
	require.ErrorIs(t, err, domain.ErrCycleDetected)

	var defErr *domain.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Equal(t, []string{"a", "a"}, defErr.Cycle)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		def  domain.WorkflowDefinition
		want error
	}{
		{
			name: "unknown predecessor",
			def:  domain.WorkflowDefinition{Name: "w", Steps: []domain.StepDefinition{step("a", "ghost")}},
			want: domain.ErrUnknownPredecessor,
		},
		{
			name: "duplicate step",
			def:  domain.WorkflowDefinition{Name: "w", Steps: []domain.StepDefinition{step("a"), step("a")}},
			want: domain.ErrDuplicateStepName,
		},
		{
			name: "missing handler",
			def:  domain.WorkflowDefinition{Name: "w", Steps: []domain.StepDefinition{{Name: "a"}}},
			want: domain.ErrUnknownHandler,
		},
		{
			name: "unregistered handler name",
			def:  domain.WorkflowDefinition{Name: "w", Steps: []domain.StepDefinition{{Name: "a", HandlerName: "nope"}}},
			want: domain.ErrUnknownHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCompiler(NewHandlerRegistry()).Compile(tt.def)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := NewCompiler(nil).Compile(domain.WorkflowDefinition{Name: "empty"})
	var defErr *domain.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Equal(t, domain.DefinitionInvalid, defErr.Kind)
}

func TestCompileResolvesNamedHandlers(t *testing.T) {
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.RegisterHandler("reserve", nop))
	require.NoError(t, handlers.RegisterRollback("release", func(ctx context.Context, in domain.StepInput) error { return nil }))
	require.Error(t, handlers.RegisterHandler("reserve", nop))

	g, err := NewCompiler(handlers).Compile(domain.WorkflowDefinition{
		Name: "named",
		Steps: []domain.StepDefinition{
			{Name: "reserve", HandlerName: "reserve", RollbackName: "release", Timeout: time.Second},
			{Name: "sign_off", After: []string{"reserve"}, AwaitApproval: true, ApprovalTimeout: time.Minute},
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, g.Nodes["reserve"].Step.Handler)
	assert.NotNil(t, g.Nodes["reserve"].Step.Rollback)

	plan := g.Plan(30*time.Second, 5*time.Second)
	require.Len(t, plan, 2)
	assert.Equal(t, 6*time.Second, plan[0].Lease)
	assert.Equal(t, 35*time.Second, plan[1].Lease)
	assert.True(t, plan[1].AwaitApproval)
	assert.Equal(t, []string{"reserve"}, plan[1].After)
}

func TestRetryPolicyResolution(t *testing.T) {
	stepPolicy := &domain.RetryPolicy{MaxAttempts: 5}
	defPolicy := &domain.RetryPolicy{MaxAttempts: 2}
	s := step("a")
	s.Retry = stepPolicy

	g, err := NewCompiler(nil).Compile(domain.WorkflowDefinition{
		Name:  "retry",
		Retry: defPolicy,
		Steps: []domain.StepDefinition{s, step("b", "a")},
	})
	require.NoError(t, err)
	assert.Same(t, stepPolicy, g.RetryPolicy("a"))
	assert.Same(t, defPolicy, g.RetryPolicy("b"))
}

func TestRegistryVersions(t *testing.T) {
	reg := NewRegistry(NewCompiler(nil))

	g1, err := reg.Register(domain.WorkflowDefinition{Name: "w", Steps: []domain.StepDefinition{step("a")}})
	require.NoError(t, err)
	assert.Equal(t, 1, g1.Definition.Version)

	g2, err := reg.Register(domain.WorkflowDefinition{Name: "w", Steps: []domain.StepDefinition{step("a"), step("b", "a")}})
	require.NoError(t, err)
	assert.Equal(t, 2, g2.Definition.Version)

	_, err = reg.Register(domain.WorkflowDefinition{Name: "w", Version: 2, Steps: []domain.StepDefinition{step("a")}})
	assert.Error(t, err)

	latest, err := reg.Get(domain.DefinitionRef{Name: "w"})
	require.NoError(t, err)
	assert.Same(t, g2, latest)

	pinned, err := reg.Get(domain.DefinitionRef{Name: "w", Version: 1})
	require.NoError(t, err)
	assert.Same(t, g1, pinned)

	_, err = reg.Get(domain.DefinitionRef{Name: "missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownDefinition)

	assert.Len(t, reg.List(), 1)
}
