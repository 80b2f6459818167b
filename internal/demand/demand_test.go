package demand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/models"
)

func TestMatches(t *testing.T) {
	t.Parallel()

	runner := models.Runner{
		Hostname:     "build-01",
		ProjectDir:   "/src/app",
		ExecutorType: "claude-code",
		Tags:         []string{"gpu", "Linux"},
	}

	tests := []struct {
		name   string
		demand models.Demand
		want   bool
	}{
		{name: "empty demand", demand: models.Demand{}, want: true},
		{name: "hostname match", demand: models.Demand{Hostname: "build-01"}, want: true},
		{name: "hostname mismatch", demand: models.Demand{Hostname: "build-02"}, want: false},
		{name: "project dir mismatch", demand: models.Demand{ProjectDir: "/src/other"}, want: false},
		{name: "executor mismatch", demand: models.Demand{ExecutorType: "codex"}, want: false},
		{name: "tag subset", demand: models.Demand{Tags: []string{"gpu"}}, want: true},
		{name: "tag case insensitive", demand: models.Demand{Tags: []string{" linux "}}, want: true},
		{name: "tag missing", demand: models.Demand{Tags: []string{"gpu", "arm64"}}, want: false},
		{
			name: "all properties and tags",
			demand: models.Demand{
				Hostname:     "build-01",
				ProjectDir:   "/src/app",
				ExecutorType: "claude-code",
				Tags:         []string{"linux", "gpu"},
			},
			want: true,
		},
		{
			name:   "one property mismatch fails whole demand",
			demand: models.Demand{Hostname: "build-01", ExecutorType: "codex", Tags: []string{"gpu"}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.demand, runner))
		})
	}
}

func TestMatches_RunnerWithoutTags(t *testing.T) {
	t.Parallel()

	runner := models.Runner{Hostname: "h"}
	assert.True(t, Matches(models.Demand{}, runner))
	assert.False(t, Matches(models.Demand{Tags: []string{"gpu"}}, runner))
}

func TestMerge(t *testing.T) {
	t.Parallel()

	blueprint := models.Demand{ExecutorType: "claude-code", Tags: []string{"gpu"}}
	caller := models.Demand{ProjectDir: "/src/app", Tags: []string{"linux", "GPU"}}

	merged, err := Merge(blueprint, caller)
	require.NoError(t, err)

	assert.Equal(t, "claude-code", merged.ExecutorType)
	assert.Equal(t, "/src/app", merged.ProjectDir)
	assert.Empty(t, merged.Hostname)
	assert.Equal(t, []string{"gpu", "linux"}, merged.Tags)
}

func TestMerge_SameValueIsNotConflict(t *testing.T) {
	t.Parallel()

	merged, err := Merge(models.Demand{Hostname: "a"}, models.Demand{Hostname: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", merged.Hostname)
}

func TestMerge_Conflict(t *testing.T) {
	t.Parallel()

	_, err := Merge(
		models.Demand{ExecutorType: "claude-code"},
		models.Demand{ExecutorType: "codex"},
	)
	require.ErrorIs(t, err, models.ErrConflictingDemand)
	assert.Contains(t, err.Error(), "executor_type")
}

func TestMerge_EmptyIsIdentity(t *testing.T) {
	t.Parallel()

	d := models.Demand{Hostname: "h", Tags: []string{"b", "a"}}
	merged, err := Merge(d, models.Demand{})
	require.NoError(t, err)
	assert.Equal(t, models.Demand{Hostname: "h", Tags: []string{"a", "b"}}, merged)

	merged, err = Merge(models.Demand{}, models.Demand{})
	require.NoError(t, err)
	assert.True(t, merged.IsEmpty())
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NormalizeTags(nil))
	assert.Nil(t, NormalizeTags([]string{" ", ""}))
	assert.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"B", "a", " b "}))
}
