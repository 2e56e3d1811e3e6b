package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanpenner/vln-bench/internal/model"
)

type fakeSource struct {
	sets map[string][]model.PanoID
}

func (f *fakeSource) LoadGeofence(name string) ([]model.PanoID, error) {
	ids, ok := f.sets[name]
	if !ok {
		return nil, assert.AnError
	}
	return ids, nil
}

func TestNeighborsFiltersSortsAndDedupes(t *testing.T) {
	src := &fakeSource{sets: map[string][]model.PanoID{
		"fence1": {"p0", "p1", "p2"},
	}}
	svc, err := NewService(src, "")
	require.NoError(t, err)

	meta := model.PanoMetadata{
		PanoID: "p0",
		Links: []model.Link{
			{Target: "p2", Heading: 180},
			{Target: "p1", Heading: 90},
			{Target: "outside", Heading: 45},
			{Target: "p1", Heading: 91}, // duplicate target, should be dropped
		},
	}

	neighbors, err := svc.Neighbors("fence1", "p0", meta)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, model.PanoID("p1"), neighbors[0].Target)
	assert.Equal(t, 90.0, neighbors[0].Heading)
	assert.Equal(t, model.PanoID("p2"), neighbors[1].Target)
}

func TestNeighborsOutOfGeofence(t *testing.T) {
	src := &fakeSource{sets: map[string][]model.PanoID{
		"fence1": {"p1", "p2"},
	}}
	svc, err := NewService(src, "")
	require.NoError(t, err)

	_, err = svc.Neighbors("fence1", "not-in-fence", model.PanoMetadata{})
	assert.ErrorIs(t, err, ErrOutOfGeofence)
}

func TestContains(t *testing.T) {
	src := &fakeSource{sets: map[string][]model.PanoID{
		"fence1": {"p1"},
	}}
	svc, err := NewService(src, "")
	require.NoError(t, err)

	ok, err := svc.Contains("fence1", "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Contains("fence1", "p2")
	require.NoError(t, err)
	assert.False(t, ok)
}
