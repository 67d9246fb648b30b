package triage

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/models"
)

// openIssueCacheSize bounds the best-effort unresolved-issue cache. Large
// enough that a healthy deployment never evicts.
const openIssueCacheSize = 4096

// openIssueCache is a best-effort snapshot of currently unresolved issues.
// It is safe to be stale: the sweeper rebuilds it on every run and the store
// remains the source of truth for all reads that matter.
type openIssueCache struct {
	entries *lru.Cache[int64, *models.Issue]
}

func newOpenIssueCache() (*openIssueCache, error) {
	entries, err := lru.New[int64, *models.Issue](openIssueCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create open-issue cache: %w", err)
	}
	return &openIssueCache{entries: entries}, nil
}

// put records or evicts the issue depending on its resolution state.
func (c *openIssueCache) put(issue *models.Issue) {
	if issue.Resolved() {
		c.entries.Remove(issue.ID)
		return
	}
	c.entries.Add(issue.ID, issue.Clone())
}

// snapshot returns the cached unresolved issues, sorted by id.
func (c *openIssueCache) snapshot() []*models.Issue {
	out := make([]*models.Issue, 0, c.entries.Len())
	for _, id := range c.entries.Keys() {
		if issue, ok := c.entries.Get(id); ok {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *openIssueCache) replace(issues []*models.Issue) {
	c.entries.Purge()
	for _, issue := range issues {
		c.put(issue)
	}
}

// RebuildOpenIssueCache repopulates the unresolved-issue cache from the
// store. Called by the sweeper on every run and once at startup.
func (s *Service) RebuildOpenIssueCache(ctx context.Context) error {
	unresolved := false
	issues, err := s.store.Issues().Find(ctx, docstore.IssueFilter{Resolved: &unresolved}, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to list unresolved issues: %w", err)
	}
	s.openIssues.replace(issues)
	return nil
}

// OpenIssues returns the cached unresolved issues. The result may lag the
// store; use FindIssues for authoritative reads.
func (s *Service) OpenIssues() []*models.Issue {
	return s.openIssues.snapshot()
}
