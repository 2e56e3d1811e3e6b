package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanpenner/vln-bench/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const validTask = `{
	"task_id": "nav_T1",
	"task_type": "navigation_to_poi",
	"geofence": "downtown",
	"spawn_point": "P0",
	"spawn_heading": 90,
	"description": "find the fountain",
	"target_pano_ids": ["P5"],
	"max_steps": 40,
	"ground_truth": {"target_pano_id": "P5", "target_name": "fountain"}
}`

func TestLoadValidTask(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nav_T1.json", validTask)

	tk, err := NewStore(dir).Load("nav_T1")
	require.NoError(t, err)
	assert.Equal(t, "nav_T1", tk.TaskID)
	assert.Equal(t, model.TaskNavigationToPOI, tk.TaskType)
	assert.Equal(t, model.PanoID("P0"), tk.SpawnPanoID)
	assert.Equal(t, 90.0, tk.SpawnHeading)
	require.NotNil(t, tk.MaxSteps)
	assert.Equal(t, 40, *tk.MaxSteps)
	require.NotNil(t, tk.GroundTruth)
	assert.Equal(t, model.PanoID("P5"), tk.GroundTruth.TargetPanoID)
}

func TestLoadMissingTask(t *testing.T) {
	_, err := NewStore(t.TempDir()).Load("ghost")
	var invalid *ErrInvalidTask
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "not found", invalid.Reason)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no_id.json":      `{"task_type": "navigation_to_poi", "geofence": "g", "spawn_point": "P0"}`,
		"no_fence.json":   `{"task_id": "no_fence", "task_type": "navigation_to_poi", "spawn_point": "P0"}`,
		"no_spawn.json":   `{"task_id": "no_spawn", "task_type": "navigation_to_poi", "geofence": "g"}`,
		"bad_type.json":   `{"task_id": "bad_type", "task_type": "teleportation", "geofence": "g", "spawn_point": "P0"}`,
		"not_json.json":   `{`,
	}
	for name, content := range cases {
		writeFile(t, dir, name, content)
	}

	store := NewStore(dir)
	for name := range cases {
		id := name[:len(name)-len(".json")]
		_, err := store.Load(id)
		var invalid *ErrInvalidTask
		assert.ErrorAs(t, err, &invalid, "case %s", name)
	}
}

func TestListSortsAndSkipsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_task.json", validTask)
	writeFile(t, dir, "a_task.json", validTask)
	writeFile(t, dir, "scratch.json", validTask)
	writeFile(t, dir, "notes.txt", "not a task")
	writeFile(t, dir, ".preloadignore", "scratch.json\n")

	ids, err := NewStore(dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a_task", "b_task"}, ids)
}

type fakeMembership map[model.PanoID]bool

func (f fakeMembership) Contains(_ string, p model.PanoID) (bool, error) {
	return f[p], nil
}

func TestValidateSpawn(t *testing.T) {
	tk := model.Task{TaskID: "t", Geofence: "g", SpawnPanoID: "P0"}

	assert.NoError(t, ValidateSpawn(tk, fakeMembership{"P0": true}))

	err := ValidateSpawn(tk, fakeMembership{})
	var invalid *ErrInvalidTask
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "spawn_point not in geofence", invalid.Reason)
}
