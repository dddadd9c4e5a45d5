package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCatalogue_IDsAreDense(t *testing.T) {
	assert.Equal(t, 20, Count)
	assert.Equal(t, 22, Variants)
	assert.Equal(t, EventType(Count), Any)
	assert.Equal(t, EventType(Count+1), None)

	for i, d := range catalogue {
		assert.NotEmpty(t, d.name, "id %d has no descriptor", i)
	}
}

func TestCatalogue_BitsFitInMask(t *testing.T) {
	seen := uint32(0)
	for _, e := range All() {
		bit := e.Bit()
		assert.Zero(t, seen&bit, "bit of %s overlaps another event", e)
		seen |= bit
	}
	// bit 31 is reserved for suppress-everything
	assert.Less(t, Variants, 31)
	assert.Equal(t, uint32(1)<<20, Any.Bit())
}

func TestFromName_RoundTrip(t *testing.T) {
	for _, e := range All() {
		name, err := e.Name()
		require.NoError(t, err)

		got, err := FromName(name)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestFromName_Sentinels(t *testing.T) {
	e, err := FromName("any")
	require.NoError(t, err)
	assert.Equal(t, Any, e)

	e, err = FromName("all")
	require.NoError(t, err)
	assert.Equal(t, Any, e)

	_, err = FromName("none")
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestFromName_Unknown(t *testing.T) {
	for _, name := range []string{"", "fs_event", "CACHE_MISS", "cache-miss"} {
		_, err := FromName(name)
		assert.ErrorIs(t, err, ErrUnknownEventType, "name %q", name)
	}
}

func TestFromID(t *testing.T) {
	e, err := FromID(12)
	require.NoError(t, err)
	assert.Equal(t, PageFaults, e)

	_, err = FromID(22)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestCategory_PlatformIDMatchesCategory(t *testing.T) {
	for _, e := range All() {
		c, err := e.Category()
		require.NoError(t, err, "event %s", e)

		hw, hwErr := e.HardwareID()
		sw, swErr := e.SoftwareID()

		switch c {
		case CategoryHardware:
			require.NoError(t, hwErr)
			assert.ErrorIs(t, swErr, ErrNoPlatformID)
			assert.Equal(t, catalogue[e].platformID, hw)
		case CategorySoftware:
			require.NoError(t, swErr)
			assert.ErrorIs(t, hwErr, ErrNoPlatformID)
			assert.Equal(t, catalogue[e].platformID, sw)
		default:
			t.Fatalf("event %s has unexpected category %v", e, c)
		}
	}
}

func TestCategory_Sentinels(t *testing.T) {
	for _, e := range []EventType{Any, None} {
		_, err := e.Category()
		assert.ErrorIs(t, err, ErrNoCategory)

		_, _, err = e.Counter()
		assert.ErrorIs(t, err, ErrNoCategory)

		_, err = e.ProgramName()
		assert.ErrorIs(t, err, ErrUnknownEventType)
	}

	_, err := EventType(200).Category()
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestCounter(t *testing.T) {
	c, id, err := CacheMiss.Counter()
	require.NoError(t, err)
	assert.Equal(t, CategoryHardware, c)
	assert.Equal(t, uint64(unix.PERF_COUNT_HW_CACHE_MISSES), id)

	c, id, err = ContextSwitches.Counter()
	require.NoError(t, err)
	assert.Equal(t, CategorySoftware, c)
	assert.Equal(t, uint64(unix.PERF_COUNT_SW_CONTEXT_SWITCHES), id)

	c, id, err = CgroupSwitches.Counter()
	require.NoError(t, err)
	assert.Equal(t, CategorySoftware, c)
	assert.Equal(t, uint64(11), id)
}

func TestProgramName(t *testing.T) {
	name, err := StalledCyclesBackend.ProgramName()
	require.NoError(t, err)
	assert.Equal(t, "event_stalled_cycles_backend", name)
}

func TestString(t *testing.T) {
	assert.Equal(t, "page_faults", PageFaults.String())
	assert.Equal(t, "any", Any.String())
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "EventType(99)", EventType(99).String())
}

func TestParseSelection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []EventType
		wantErr error
	}{
		{name: "single", input: "cache_miss", want: []EventType{CacheMiss}},
		{name: "list keeps order", input: "page_faults,cache_miss", want: []EventType{PageFaults, CacheMiss}},
		{name: "duplicates dropped", input: "cache_miss,cache_miss,page_faults", want: []EventType{CacheMiss, PageFaults}},
		{name: "spaces trimmed", input: " cache_miss , page_faults ", want: []EventType{CacheMiss, PageFaults}},
		{name: "all", input: "all", want: All()},
		{name: "any inside list", input: "cache_miss,any", want: All()},
		{name: "unknown", input: "cache_miss,bogus", wantErr: ErrUnknownEventType},
		{name: "empty", input: "", wantErr: ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSelection(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
