package triage

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/moolen/triage/internal/history"
	"github.com/moolen/triage/internal/logging"
	"github.com/moolen/triage/internal/models"
)

// Scoring weights for suspect ranking. A commit's score is the sum of its
// matching files' scores; the top-scoring commits over the whole range become
// the suspects, ties included.
const (
	fileKeyScore      = 20
	noteKeyScore      = 10
	symbolBaseScore   = 10
	symbolPerHitScore = 10
)

// rankSuspects scores commits in (minChange, maxChange] of the stream against
// the fingerprint's keys and returns all commits sharing the highest positive
// score. An empty change filter means the failure is change-agnostic and no
// suspects exist for it.
func (s *Service) rankSuspects(ctx context.Context, streamID string, fp models.Fingerprint, minChange, maxChange int64) ([]models.SpanSuspect, error) {
	if len(fp.ChangeFilter) == 0 {
		return nil, nil
	}
	if minChange >= maxChange {
		return nil, nil
	}

	globs := compileGlobs(fp.ChangeFilter, s.logger)
	if len(globs) == 0 {
		return nil, nil
	}

	commits, err := s.history.Find(ctx, streamID, minChange, maxChange, s.maxCommits)
	if err != nil {
		return nil, err
	}

	fileKeys := keyBaseNames(fp.Keys, models.KeyKindFile)
	noteKeys := keyBaseNames(fp.Keys, models.KeyKindNote)
	symbolKeys := lowerKeyNames(fp.Keys, models.KeyKindSymbol)

	best := 0
	var suspects []models.SpanSuspect
	for _, commit := range commits {
		score := s.scoreCommit(commit, globs, fileKeys, noteKeys, symbolKeys)
		if score == 0 || score < best {
			continue
		}
		if score > best {
			best = score
			suspects = suspects[:0]
		}
		suspects = append(suspects, models.SpanSuspect{
			Change:            commit.Number,
			AuthorID:          commit.AuthorID,
			OriginatingChange: commit.OriginatingChange,
		})
	}

	sort.Slice(suspects, func(i, j int) bool { return suspects[i].Change > suspects[j].Change })
	return suspects, nil
}

func (s *Service) scoreCommit(commit history.Commit, globs []glob.Glob, fileKeys, noteKeys map[string]struct{}, symbolKeys []string) int {
	score := 0
	files := commit.Files
	if len(files) > s.maxFiles {
		files = files[:s.maxFiles]
	}
	for _, file := range files {
		if !matchAnyGlob(globs, file) {
			continue
		}
		base := path.Base(file)
		if _, ok := fileKeys[base]; ok {
			score += fileKeyScore
		}
		if _, ok := noteKeys[base]; ok {
			score += noteKeyScore
		}
		if hits := countSymbolHits(symbolKeys, file); hits > 0 {
			score += symbolBaseScore + symbolPerHitScore*hits
		}
	}
	return score
}

// countSymbolHits counts symbol tokens substring-matching the path,
// case-insensitive.
func countSymbolHits(symbols []string, file string) int {
	if len(symbols) == 0 {
		return 0
	}
	lower := strings.ToLower(file)
	hits := 0
	for _, sym := range symbols {
		if strings.Contains(lower, sym) {
			hits++
		}
	}
	return hits
}

func keyBaseNames(keys []models.Key, kind models.KeyKind) map[string]struct{} {
	out := make(map[string]struct{})
	for _, k := range keys {
		if k.Kind == kind {
			out[path.Base(k.Name)] = struct{}{}
		}
	}
	return out
}

func lowerKeyNames(keys []models.Key, kind models.KeyKind) []string {
	var out []string
	for _, k := range keys {
		if k.Kind == kind && k.Name != "" {
			out = append(out, strings.ToLower(k.Name))
		}
	}
	return out
}

// compileGlobs compiles the change-filter patterns, skipping unparsable ones
// with a warning.
func compileGlobs(patterns []string, logger *logging.Logger) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			if logger != nil {
				logger.Warn("skipping invalid change filter glob %q: %v", pattern, err)
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

func matchAnyGlob(globs []glob.Glob, file string) bool {
	for _, g := range globs {
		if g.Match(file) {
			return true
		}
	}
	return false
}
