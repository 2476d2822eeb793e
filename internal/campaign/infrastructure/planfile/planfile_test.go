package planfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_WeeklyPlan(t *testing.T) {
	data := []byte(`
timezone: America/New_York
call_slots:
  - weekday: tuesday
    time: "10:30"
  - weekday: thursday
    time: "14:00"
email:
  offset_minutes: 10080
`)

	plan, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", plan.Timezone)
	require.Len(t, plan.CallSlots, 2)
	require.NotNil(t, plan.CallSlots[0].Weekday)
	assert.Equal(t, time.Tuesday, *plan.CallSlots[0].Weekday)
	assert.Equal(t, "10:30", plan.CallSlots[0].TimeOfDay)
	require.NotNil(t, plan.CallSlots[1].Weekday)
	assert.Equal(t, time.Thursday, *plan.CallSlots[1].Weekday)

	require.NotNil(t, plan.EmailSlot)
	require.NotNil(t, plan.EmailSlot.OffsetMinutes)
	assert.Equal(t, 10080, *plan.EmailSlot.OffsetMinutes)
	assert.Equal(t, 2, plan.Steps())
}

func TestParse_OffsetPlan(t *testing.T) {
	data := []byte(`
call_slots:
  - offset_minutes: 0
  - offset_minutes: 60
`)

	plan, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, plan.CallSlots, 2)
	assert.Nil(t, plan.EmailSlot)
	assert.Equal(t, "", plan.Timezone)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty call slots", "timezone: UTC\ncall_slots: []\n"},
		{"unknown weekday", "call_slots:\n  - weekday: someday\n    time: \"10:00\"\n"},
		{"bad time of day", "call_slots:\n  - weekday: monday\n    time: \"25:99\"\n"},
		{"both slot forms", "call_slots:\n  - weekday: monday\n    time: \"10:00\"\n    offset_minutes: 5\n"},
		{"neither slot form", "call_slots:\n  - {}\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call_slots:\n  - offset_minutes: 0\n"), 0o600))

	plan, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Steps())
}

func TestLoadFromDir_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "..", "outside.yaml")

	_, err := LoadFromDir(outside, dir)
	assert.Error(t, err)
}

func TestParse_ValidatesAgainstDomainRules(t *testing.T) {
	// A negative offset passes YAML decoding but fails domain validation.
	_, err := Parse([]byte("call_slots:\n  - offset_minutes: -5\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidSlot)
}
