package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/worldtest"
)

func TestRecording_RoundTrip(t *testing.T) {
	w1 := worldtest.New(t).Now(1000).Production(4, worldtest.N(1)).Buffer(3, worldtest.R(2)).KPI("service_level", 0.9).World()
	w2 := worldtest.New(t).Now(2000).Buffer(3).
		CraneLoad(worldtest.R(7)).
		Pending(protocol.CraneMove{SourceID: 0, TargetID: 1, BlockID: 7}).
		World()
	rec := NewRecording("s-1", "bot", []protocol.World{w1, w2})
	require.Equal(t, int64(1000), rec.Header.FirstMs)
	require.Equal(t, int64(2000), rec.Header.LastMs)

	path := filepath.Join(t.TempDir(), "a", "s-1"+Ext)
	require.NoError(t, Write(path, rec))

	got, err := Read(path)
	require.NoError(t, err)
	// gob drops empty slices
	if diff := cmp.Diff(rec, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("recording mismatch (-want +got):\n%s", diff)
	}

	h, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, rec.Header, h)
}

func TestRead_RejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old"+Ext)
	rec := NewRecording("s", "", nil)
	rec.Header.Version = 99
	require.NoError(t, Write(path, rec))

	_, err := Read(path)
	require.ErrorIs(t, err, ErrVersion)
}
