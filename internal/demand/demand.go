// Package demand matches run requirements against runner capabilities.
package demand

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/relay/internal/models"
)

// Matches reports whether runner satisfies d. Every set property must be
// equal, and the runner's tags must contain every demanded tag.
func Matches(d models.Demand, runner models.Runner) bool {
	if d.Hostname != "" && d.Hostname != runner.Hostname {
		return false
	}
	if d.ProjectDir != "" && d.ProjectDir != runner.ProjectDir {
		return false
	}
	if d.ExecutorType != "" && d.ExecutorType != runner.ExecutorType {
		return false
	}
	if len(d.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(runner.Tags))
	for _, tag := range runner.Tags {
		have[NormalizeTag(tag)] = struct{}{}
	}
	for _, tag := range d.Tags {
		if _, ok := have[NormalizeTag(tag)]; !ok {
			return false
		}
	}
	return true
}

// Merge combines two demands. Tags are unioned; a property set on both sides
// to different values is an error wrapping models.ErrConflictingDemand.
func Merge(a, b models.Demand) (models.Demand, error) {
	var out models.Demand
	var err error
	if out.Hostname, err = mergeField("hostname", a.Hostname, b.Hostname); err != nil {
		return models.Demand{}, err
	}
	if out.ProjectDir, err = mergeField("project_dir", a.ProjectDir, b.ProjectDir); err != nil {
		return models.Demand{}, err
	}
	if out.ExecutorType, err = mergeField("executor_type", a.ExecutorType, b.ExecutorType); err != nil {
		return models.Demand{}, err
	}
	out.Tags = NormalizeTags(append(append([]string(nil), a.Tags...), b.Tags...))
	return out, nil
}

func mergeField(name, a, b string) (string, error) {
	switch {
	case a == "":
		return b, nil
	case b == "" || a == b:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %s %q vs %q", models.ErrConflictingDemand, name, a, b)
	}
}

// NormalizeTag trims and lower-cases a capability tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeTags returns the sorted, de-duplicated, normalized set of tags.
// Empty tags are dropped. The result is nil when no tags remain.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, tag := range tags {
		tag = NormalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Normalize returns d with its tag set normalized.
func Normalize(d models.Demand) models.Demand {
	d.Tags = NormalizeTags(d.Tags)
	return d
}
