package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/provision/backoff"
)

func TestDefinition_PlanLinear(t *testing.T) {
	def := Definition{
		Type: "linear",
		Steps: []StepDefinition{
			{Name: "a", Target: TargetAAA},
			{Name: "b", Target: TargetIPAM},
			{Name: "c", Target: TargetONU},
		},
	}

	stages, err := def.Plan()
	require.NoError(t, err)
	require.Len(t, stages, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, stages[i].Steps[0].Name)
		assert.False(t, stages[i].Parallel())
	}
	assert.Equal(t, []string{"a", "b", "c"}, def.StepNames())
}

func TestDefinition_PlanHonoursDependsOn(t *testing.T) {
	def := Definition{
		Type: "reordered",
		Steps: []StepDefinition{
			{Name: "activate", Target: TargetONU, DependsOn: []string{"allocate"}},
			{Name: "allocate", Target: TargetIPAM},
			{Name: "bill", Target: TargetBilling, DependsOn: []string{"activate"}},
		},
	}

	assert.Equal(t, []string{"allocate", "activate", "bill"}, def.StepNames())
}

func TestDefinition_PlanParallelGroup(t *testing.T) {
	def := Definition{
		Type: "grouped",
		Steps: []StepDefinition{
			{Name: "radius", Target: TargetAAA},
			{Name: "onu", Target: TargetONU, Group: "devices", DependsOn: []string{"radius"}},
			{Name: "cpe", Target: TargetCPE, Group: "devices", DependsOn: []string{"radius"}},
			{Name: "billing", Target: TargetBilling, DependsOn: []string{"onu", "cpe"}},
		},
	}

	stages, err := def.Plan()
	require.NoError(t, err)
	require.Len(t, stages, 3)

	assert.Equal(t, "radius", stages[0].Steps[0].Name)
	assert.True(t, stages[1].Parallel())
	assert.Equal(t, "devices", stages[1].Group)
	require.Len(t, stages[1].Steps, 2)
	assert.Equal(t, "onu", stages[1].Steps[0].Name)
	assert.Equal(t, "cpe", stages[1].Steps[1].Name)
	assert.Equal(t, "billing", stages[2].Steps[0].Name)
}

func TestDefinition_ValidateErrors(t *testing.T) {
	tests := []struct {
		name       string
		def        Definition
		hasTarget  func(TargetSystem) bool
		wantReason string
	}{
		{
			name:       "missing type",
			def:        Definition{Steps: []StepDefinition{{Name: "a", Target: TargetAAA}}},
			wantReason: "type is required",
		},
		{
			name:       "no steps",
			def:        Definition{Type: "empty"},
			wantReason: "at least one step",
		},
		{
			name: "duplicate names",
			def: Definition{Type: "dup", Steps: []StepDefinition{
				{Name: "a", Target: TargetAAA},
				{Name: "a", Target: TargetIPAM},
			}},
			wantReason: "duplicate step name",
		},
		{
			name: "unknown dependency",
			def: Definition{Type: "dangling", Steps: []StepDefinition{
				{Name: "a", Target: TargetAAA, DependsOn: []string{"ghost"}},
			}},
			wantReason: "unknown step",
		},
		{
			name: "cycle",
			def: Definition{Type: "cyclic", Steps: []StepDefinition{
				{Name: "a", Target: TargetAAA, DependsOn: []string{"c"}},
				{Name: "b", Target: TargetIPAM, DependsOn: []string{"a"}},
				{Name: "c", Target: TargetONU, DependsOn: []string{"b"}},
			}},
			wantReason: "dependency cycle",
		},
		{
			name: "self dependency",
			def: Definition{Type: "self", Steps: []StepDefinition{
				{Name: "a", Target: TargetAAA, DependsOn: []string{"a"}},
			}},
			wantReason: "depends on itself",
		},
		{
			name: "dependency inside group",
			def: Definition{Type: "group", Steps: []StepDefinition{
				{Name: "a", Target: TargetAAA, Group: "g"},
				{Name: "b", Target: TargetIPAM, Group: "g", DependsOn: []string{"a"}},
			}},
			wantReason: "same parallel group",
		},
		{
			name: "bad retry policy",
			def: Definition{Type: "retry", Steps: []StepDefinition{
				{Name: "a", Target: TargetAAA, Retry: RetryPolicy{Backoff: "fibonacci"}},
			}},
			wantReason: "unknown backoff",
		},
		{
			name: "unregistered target",
			def: Definition{Type: "target", Steps: []StepDefinition{
				{Name: "a", Target: TargetCPE},
			}},
			hasTarget:  func(t TargetSystem) bool { return t == TargetAAA },
			wantReason: "no executor registered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate(tt.hasTarget)
			require.Error(t, err)

			var defErr *DefinitionError
			require.True(t, errors.As(err, &defErr))
			assert.Contains(t, defErr.Reason, tt.wantReason)
		})
	}
}

func TestRetryPolicy_WithDefaults(t *testing.T) {
	defaults := RetryPolicy{
		MaxAttempts:     3,
		Backoff:         backoff.KindExponential,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Timeout:         30 * time.Second,
	}

	got := RetryPolicy{MaxAttempts: 5, Timeout: time.Second}.WithDefaults(defaults)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, time.Second, got.Timeout)
	assert.Equal(t, backoff.KindExponential, got.Backoff)
	assert.Equal(t, time.Minute, got.MaxInterval)

	assert.Equal(t, 1, RetryPolicy{}.WithDefaults(RetryPolicy{}).MaxAttempts)
}

func TestDefinition_Targets(t *testing.T) {
	def := Definition{Type: "t", Steps: []StepDefinition{
		{Name: "a", Target: TargetONU},
		{Name: "b", Target: TargetAAA},
		{Name: "c", Target: TargetONU},
	}}
	assert.Equal(t, []TargetSystem{TargetAAA, TargetONU}, def.Targets())
}
