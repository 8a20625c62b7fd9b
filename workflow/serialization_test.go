package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinitionYAML = `
workflowId: wf-survey
version: 3
nodes:
  - id: ingest
    stageType: data_ingestion
    config:
      source: survey-2026
  - id: review
    stageType: human_review
  - id: export
    stageType: export
edges:
  - id: e1
    source: ingest
    target: review
  - id: e2
    source: review
    target: export
    condition: always
settings:
  timeoutMinutes: 45
  retryPolicy: exponential
  checkpointEnabled: true
  retryMaxAttempts: 4
`

func TestDefinitionFromYAML(t *testing.T) {
	t.Parallel()

	def, err := DefinitionFromYAML([]byte(sampleDefinitionYAML))
	require.NoError(t, err)

	assert.Equal(t, "wf-survey", def.WorkflowID)
	assert.Equal(t, 3, def.Version)
	require.Len(t, def.Nodes, 3)
	assert.Equal(t, StageHumanReview, def.Nodes[1].StageType)
	assert.Equal(t, "survey-2026", def.Nodes[0].Config["source"])
	assert.Equal(t, ConditionAlways, def.Edges[1].Condition)
	assert.Equal(t, 45, def.Settings.TimeoutMinutes)
	assert.Equal(t, RetryExponential, def.Settings.RetryPolicy)
	assert.Equal(t, 4, def.Settings.RetryMaxAttempts)

	cw, err := Compile(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "review", "export"}, stepIDs(cw))
}

func TestDefinitionFromJSON(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"workflowId": "wf-json",
		"version": 1,
		"nodes": [{"id": "a", "stageType": "transformation"}],
		"edges": [],
		"settings": {"timeoutMinutes": 0, "retryPolicy": "linear", "checkpointEnabled": false}
	}`)
	def, err := DefinitionFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "wf-json", def.WorkflowID)
	assert.Equal(t, RetryLinear, def.Settings.RetryPolicy)

	_, err = DefinitionFromJSON([]byte(`{"nodes": 5}`))
	assert.Error(t, err)
	_, err = DefinitionFromYAML([]byte("nodes: [unclosed"))
	assert.Error(t, err)
}

func TestDefinitionFile_Codecs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	def := linearDefinition()
	def.Nodes[0].Label = "Load survey"

	for _, name := range []string{"wf.json", "wf.yaml", "wf.YML"} {
		path := filepath.Join(dir, name)
		require.NoError(t, SaveDefinitionFile(def, path))

		loaded, err := LoadDefinitionFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, def.WorkflowID, loaded.WorkflowID, name)
		assert.Equal(t, def.Settings, loaded.Settings, name)
		assert.Equal(t, def.Edges, loaded.Edges, name)
		assert.Equal(t, "Load survey", loaded.Nodes[0].Label, name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "wf.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "workflowId: wf-linear")

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
