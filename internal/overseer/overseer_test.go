package overseer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm/internal/convergence"
)

func writeModule(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestMeasureReportsSuccessfulBuild(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"go.mod":  "module fixture\n\ngo 1.21\n",
		"main.go": "package main\n\nfunc main() {}\n",
	})

	o := New(Config{WorkingDir: dir}, nil)
	signals, err := o.Measure(context.Background(), convergence.ArtifactReference{})
	require.NoError(t, err)
	require.NotNil(t, signals.BuildResult)
	require.True(t, signals.BuildResult.Success)
}

func TestMeasureReportsBuildFailure(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"go.mod":  "module fixture\n\ngo 1.21\n",
		"main.go": "package main\n\nfunc main() { this is not go }\n",
	})

	o := New(Config{WorkingDir: dir}, nil)
	signals, err := o.Measure(context.Background(), convergence.ArtifactReference{})
	require.NoError(t, err)
	require.NotNil(t, signals.BuildResult)
	require.False(t, signals.BuildResult.Success)
	require.Greater(t, signals.BuildResult.ErrorCount, 0)
}

func TestMeasureSkipsTestsWhenBuildFails(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"go.mod":  "module fixture\n\ngo 1.21\n",
		"main.go": "package main\n\nfunc main() { broken",
	})

	o := New(Config{WorkingDir: dir, RunTests: true}, nil)
	signals, err := o.Measure(context.Background(), convergence.ArtifactReference{})
	require.NoError(t, err)
	require.Nil(t, signals.TestResults)
}

func TestMeasureUsesArtifactPathOverConfiguredDir(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"go.mod":  "module fixture\n\ngo 1.21\n",
		"main.go": "package main\n\nfunc main() {}\n",
	})

	o := New(Config{WorkingDir: "/nonexistent"}, nil)
	signals, err := o.Measure(context.Background(), convergence.ArtifactReference{Path: dir})
	require.NoError(t, err)
	require.True(t, signals.BuildResult.Success)
}

func TestMockRecordsCallsAndReturnsConfiguredSignals(t *testing.T) {
	m := &Mock{Signals: convergence.OverseerSignals{BuildResult: &convergence.BuildResult{Success: true}}}
	artifact := convergence.ArtifactReference{Path: "/tmp/sample"}

	signals, err := m.Measure(context.Background(), artifact)
	require.NoError(t, err)
	require.True(t, signals.BuildResult.Success)
	require.Len(t, m.Calls, 1)
	require.Equal(t, artifact, m.Calls[0])
}
