package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name      string
		plan      Plan
		errString string
	}{
		{
			name: "ordered dependencies",
			plan: Plan{Operations: []Operation{
				{Name: "household_upsert", Key: "H1"},
				{Name: "participant_upsert", Key: "P1", DependsOn: []string{"household_upsert"}},
			}},
		},
		{
			name: "dependency declared after dependent",
			plan: Plan{Operations: []Operation{
				{Name: "participant_upsert", Key: "P1", DependsOn: []string{"household_upsert"}},
				{Name: "household_upsert", Key: "H1"},
			}},
			errString: "not declared before it",
		},
		{
			name:      "missing key",
			plan:      Plan{Operations: []Operation{{Name: "household_upsert"}}},
			errString: "no upsert key",
		},
		{
			name: "dependency in fan-out",
			plan: Plan{Mode: ModeFanOut, Operations: []Operation{
				{Name: "a", Key: "1"},
				{Name: "b", Key: "2", DependsOn: []string{"a"}},
			}},
			errString: "fan-out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errString)
		})
	}
}

func TestStableKey(t *testing.T) {
	a := StableKey("participant", "003XX")
	b := StableKey("participant", "003XX")
	c := StableKey("participant", "003XY")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
	// separator keeps part boundaries distinct
	assert.NotEqual(t, StableKey("ab", "c"), StableKey("a", "bc"))
}
