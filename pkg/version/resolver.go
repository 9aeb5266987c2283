// Package version maps semver constraints to concrete release tags.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrNoMatchingVersion is returned when no published tag satisfies the
// resolution strategy.
var ErrNoMatchingVersion = errors.New("no matching version")

// Strategy selects a concrete release from a tag list.
type Strategy interface {
	strategy()
}

// Semver resolves the highest version satisfying a constraint expression.
type Semver struct {
	Constraint string
}

// LatestStable resolves the highest non-prerelease version.
type LatestStable struct{}

// PinToCLI resolves the tag matching the CLI's own version exactly.
type PinToCLI struct {
	CLIVersion string
}

// Explicit resolves a literal tag, validated only for existence.
type Explicit struct {
	Tag string
}

func (Semver) strategy()       {}
func (LatestStable) strategy() {}
func (PinToCLI) strategy()     {}
func (Explicit) strategy()     {}

// Candidate pairs a raw tag with its parsed version.
type Candidate struct {
	Tag     string
	Version *semver.Version
}

// ParseTag parses a release tag into a version, tolerating a leading
// "<name>@" prefix and a leading "v".
func ParseTag(name, tag string) (*semver.Version, bool) {
	s := tag
	if name != "" {
		s = strings.TrimPrefix(s, name+"@")
	}
	s = strings.TrimPrefix(s, "v")
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Resolve picks the release tag for the given strategy. Prereleases are
// discarded unless allowPrerelease is set. Ties between equal semver
// versions break lexicographically on the raw tag.
func Resolve(tags []string, name string, strat Strategy, allowPrerelease bool) (Candidate, error) {
	switch s := strat.(type) {
	case Explicit:
		for _, tag := range tags {
			if tag == s.Tag {
				v, _ := ParseTag(name, tag)
				return Candidate{Tag: tag, Version: v}, nil
			}
		}
		// A bare version like "1.0.0" still matches the tag "v1.0.0".
		if want, ok := ParseTag(name, s.Tag); ok {
			for _, c := range parseCandidates(tags, name) {
				if c.Version.Equal(want) {
					return c, nil
				}
			}
		}
		return Candidate{}, fmt.Errorf("tag %q: %w", s.Tag, ErrNoMatchingVersion)

	case PinToCLI:
		want, err := semver.StrictNewVersion(strings.TrimPrefix(s.CLIVersion, "v"))
		if err != nil {
			return Candidate{}, fmt.Errorf("invalid cli version %q: %w", s.CLIVersion, err)
		}
		for _, c := range parseCandidates(tags, name) {
			if c.Version.Equal(want) {
				return c, nil
			}
		}
		return Candidate{}, fmt.Errorf("no tag for cli version %s: %w", s.CLIVersion, ErrNoMatchingVersion)

	case Semver:
		req, err := semver.NewConstraint(s.Constraint)
		if err != nil {
			return Candidate{}, fmt.Errorf("invalid constraint %q: %w", s.Constraint, err)
		}
		return highest(parseCandidates(tags, name), allowPrerelease, func(v *semver.Version) bool {
			return satisfies(req, v, allowPrerelease)
		})

	case LatestStable:
		return highest(parseCandidates(tags, name), false, func(v *semver.Version) bool {
			return true
		})

	default:
		return Candidate{}, fmt.Errorf("unknown resolution strategy %T", strat)
	}
}

// satisfies checks a constraint, widening prerelease versions to their
// release form when prereleases are allowed. Constraint expressions
// without an explicit prerelease never match prereleases on their own.
func satisfies(req *semver.Constraints, v *semver.Version, allowPrerelease bool) bool {
	if req.Check(v) {
		return true
	}
	if allowPrerelease && v.Prerelease() != "" {
		if stripped, err := v.SetPrerelease(""); err == nil {
			return req.Check(&stripped)
		}
	}
	return false
}

func parseCandidates(tags []string, name string) []Candidate {
	var out []Candidate
	for _, tag := range tags {
		if v, ok := ParseTag(name, tag); ok {
			out = append(out, Candidate{Tag: tag, Version: v})
		}
	}
	return out
}

func highest(candidates []Candidate, allowPrerelease bool, match func(*semver.Version) bool) (Candidate, error) {
	var best *Candidate
	for i := range candidates {
		c := candidates[i]
		if c.Version.Prerelease() != "" && !allowPrerelease {
			continue
		}
		if !match(c.Version) {
			continue
		}
		if best == nil || c.Version.GreaterThan(best.Version) ||
			(c.Version.Equal(best.Version) && c.Tag > best.Tag) {
			best = &candidates[i]
		}
	}
	if best == nil {
		return Candidate{}, ErrNoMatchingVersion
	}
	return *best, nil
}
