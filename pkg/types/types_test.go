package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"created to scheduled", StatusCreated, StatusScheduled, false},
		{"created to queued", StatusCreated, StatusQueued, false},
		{"scheduled to running", StatusScheduled, StatusRunning, false},
		{"running to success", StatusRunning, StatusSuccess, false},
		{"running to failed", StatusRunning, StatusFailed, false},
		{"queued to aborted", StatusQueued, StatusAborted, false},
		{"created to broken", StatusCreated, StatusBroken, false},
		{"running to running", StatusRunning, StatusRunning, false},
		{"created to success", StatusCreated, StatusSuccess, true},
		{"success to running", StatusSuccess, StatusRunning, true},
		{"failed to aborted", StatusFailed, StatusAborted, true},
		{"scheduled to queued", StatusScheduled, StatusQueued, true},
		{"unknown target", StatusRunning, Status("exploded"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateReopen(t *testing.T) {
	assert.NoError(t, ValidateReopen(StatusFailed))
	assert.NoError(t, ValidateReopen(StatusAborted))
	assert.NoError(t, ValidateReopen(StatusBroken))
	assert.Error(t, ValidateReopen(StatusSuccess))
	assert.Error(t, ValidateReopen(StatusRunning))
	assert.Error(t, ValidateReopen(StatusCreated))
}

func TestUnfinishedIsNeverTerminal(t *testing.T) {
	for _, s := range Unfinished() {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestParseObjectRef(t *testing.T) {
	ref, err := ParseObjectRef("cluster/42")
	require.NoError(t, err)
	assert.Equal(t, Ref(ObjectCluster, 42), ref)
	assert.Equal(t, "cluster/42", ref.String())

	_, err = ParseObjectRef("cluster")
	assert.Error(t, err)
	_, err = ParseObjectRef("planet/1")
	assert.Error(t, err)
	_, err = ParseObjectRef("host/abc")
	assert.Error(t, err)
}

func TestActionJobSpecs(t *testing.T) {
	t.Run("sub actions inherit script type", func(t *testing.T) {
		a := &Action{
			Name:       "install",
			ScriptType: ScriptAnsible,
			SubActions: []JobSpec{
				{Name: "prepare", Script: "prepare.yaml"},
				{Name: "finalize", Script: "finalize.py", ScriptType: ScriptPython},
			},
		}
		specs := a.JobSpecs()
		require.Len(t, specs, 2)
		assert.Equal(t, ScriptAnsible, specs[0].ScriptType)
		assert.Equal(t, ScriptPython, specs[1].ScriptType)
		// the action itself is not mutated
		assert.Equal(t, ScriptType(""), a.SubActions[0].ScriptType)
	})

	t.Run("single script action", func(t *testing.T) {
		a := &Action{Name: "check", ScriptType: ScriptPython, Script: "check.py"}
		specs := a.JobSpecs()
		require.Len(t, specs, 1)
		assert.Equal(t, "check.py", specs[0].Script)
	})

	t.Run("no jobs", func(t *testing.T) {
		a := &Action{Name: "empty"}
		assert.Empty(t, a.JobSpecs())
	})
}

func TestMaintenanceTarget(t *testing.T) {
	mode, ok := (&Action{Name: "host_turn_on_maintenance_mode"}).MaintenanceTarget()
	assert.True(t, ok)
	assert.Equal(t, MaintenanceOn, mode)

	mode, ok = (&Action{Name: "turn_off_maintenance_mode"}).MaintenanceTarget()
	assert.True(t, ok)
	assert.Equal(t, MaintenanceOff, mode)

	_, ok = (&Action{Name: "install"}).MaintenanceTarget()
	assert.False(t, ok)
}

func TestStateDeltaIdempotent(t *testing.T) {
	flag := rapid.SampledFrom([]string{"installed", "upgraded", "dirty", "checked", "synced"})
	rapid.Check(t, func(t *rapid.T) {
		d := StateDelta{
			State:           rapid.SampledFrom([]string{"", "created", "installed", "failed"}).Draw(t, "state"),
			MultiStateSet:   rapid.SliceOf(flag).Draw(t, "set"),
			MultiStateUnset: rapid.SliceOf(flag).Draw(t, "unset"),
		}
		state := rapid.SampledFrom([]string{"created", "running"}).Draw(t, "initial")
		multi := rapid.SliceOf(flag).Draw(t, "multi")

		s1, m1 := d.ApplyTo(state, multi)
		s2, m2 := d.ApplyTo(s1, m1)
		if s1 != s2 {
			t.Fatalf("state changed on second apply: %q != %q", s1, s2)
		}
		assert.Equal(t, m1, m2)
	})
}

func TestMergeMultiState(t *testing.T) {
	got := MergeMultiState([]string{"b", "a"}, []string{"c", "a"}, []string{"b"})
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Empty(t, MergeMultiState(nil, nil, nil))
}
