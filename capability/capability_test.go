package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		requested Set
		expect    Set
		wantErr   bool
	}{
		{
			name:      "known atom passes through",
			requested: NewSet(Network),
			expect:    NewSet(Network),
		},
		{
			name:      "time_readonly expands to time",
			requested: NewSet("time_readonly"),
			expect:    NewSet(Time),
		},
		{
			name:      "full_fs expands to both filesystem atoms",
			requested: NewSet("full_fs"),
			expect:    NewSet(FilesystemRead, FilesystemWrite),
		},
		{
			name:      "unknown atom rejected",
			requested: NewSet("teleport"),
			wantErr:   true,
		},
		{
			name:      "empty set is valid",
			requested: NewSet(),
			expect:    NewSet(),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Validate(test.requested)
			if test.wantErr {
				require.Error(t, err)
				var uerr *UnknownCapabilityError
				assert.ErrorAs(t, err, &uerr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expect, got)
		})
	}
}

func TestImplicit(t *testing.T) {
	imp := Implicit()
	assert.True(t, imp.Has(Compute))
	assert.True(t, imp.Has(MemoryRead))
	assert.True(t, imp.Has(MemoryWrite))
	assert.False(t, imp.Has(Network))
}

func TestEffective(t *testing.T) {
	eff := Effective(NewSet(Time, Random))
	assert.True(t, eff.Has(Compute))
	assert.True(t, eff.Has(Time))
	assert.True(t, eff.Has(Random))
	assert.False(t, eff.Has(Network))
}

func TestImplicitIsImmutableAcrossCalls(t *testing.T) {
	first := Implicit()
	first.add(Network)
	second := Implicit()
	assert.False(t, second.Has(Network), "mutating one Implicit() result must not leak into the next")
}
