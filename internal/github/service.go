package github

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/events"
	"github.com/bullpen-dev/bullpen/internal/events/bus"
	"github.com/bullpen-dev/bullpen/internal/store"
)

// syncFetchLimit bounds how many open issues one sync pulls from GitHub.
const syncFetchLimit = 200

// refreshConcurrency bounds parallel gh calls while re-checking issues that
// dropped out of the open list.
const refreshConcurrency = 4

// Service mirrors the repository's issues into the store and answers issue
// lookups through a TTL cache so repeated reads stay off the gh CLI.
type Service struct {
	client Client
	store  *store.Store
	bus    bus.EventBus
	cache  *gocache.Cache
	logger *logger.Logger
}

// NewService creates an issue service. cacheTTL controls how long a looked-up
// issue is served from memory; a nonpositive TTL keeps entries until the next
// sync overwrites them.
func NewService(client Client, st *store.Store, eventBus bus.EventBus, cacheTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		client: client,
		store:  st,
		bus:    eventBus,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: log.WithFields(zap.String("component", "github-sync")),
	}
}

// Sync pulls the current open issues, re-checks mirrored issues that are no
// longer open upstream, and lands the batch in one store transaction. It
// returns how many issues were fetched.
//
// Closure detection fans out one gh call per disappeared issue; an issue that
// no longer resolves at all keeps its last mirrored state.
func (s *Service) Sync(ctx context.Context) (int, error) {
	open, err := s.client.ListIssues(ctx, "open", syncFetchLimit)
	if err != nil {
		return 0, err
	}

	refreshed, err := s.refreshVanished(ctx, open)
	if err != nil {
		return 0, err
	}

	issues := append(open, refreshed...)
	if err := s.store.SyncGitHubIssues(ctx, issues); err != nil {
		return 0, fmt.Errorf("persist synced issues: %w", err)
	}
	for _, issue := range issues {
		s.cache.Set(cacheKey(issue.Number), issue, gocache.DefaultExpiration)
	}

	s.publishSynced(ctx, len(issues), len(open))
	s.logger.Info("issues synced",
		zap.Int("count", len(issues)),
		zap.Int("open", len(open)),
		zap.Int("state_changed", len(refreshed)))
	return len(issues), nil
}

// refreshVanished re-fetches mirrored open issues missing from the fresh
// open list, picking up closures made directly on GitHub.
func (s *Service) refreshVanished(ctx context.Context, open []*store.GitHubIssue) ([]*store.GitHubIssue, error) {
	mirrored, err := s.store.ListGitHubIssues(ctx, "open")
	if err != nil {
		return nil, err
	}

	stillOpen := make(map[int]bool, len(open))
	for _, issue := range open {
		stillOpen[issue.Number] = true
	}
	var vanished []int
	for _, issue := range mirrored {
		if !stillOpen[issue.Number] {
			vanished = append(vanished, issue.Number)
		}
	}
	if len(vanished) == 0 {
		return nil, nil
	}

	results := make([]*store.GitHubIssue, len(vanished))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for i, number := range vanished {
		g.Go(func() error {
			issue, err := s.client.GetIssue(gctx, number)
			if err != nil {
				return fmt.Errorf("refresh issue #%d: %w", number, err)
			}
			results[i] = issue
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	refreshed := results[:0]
	for _, issue := range results {
		if issue != nil {
			refreshed = append(refreshed, issue)
		}
	}
	return refreshed, nil
}

// Get returns an issue by number, trying the cache, then the store, then the
// gh CLI. A number unknown to all three returns (nil, nil).
func (s *Service) Get(ctx context.Context, number int) (*store.GitHubIssue, error) {
	if v, ok := s.cache.Get(cacheKey(number)); ok {
		return v.(*store.GitHubIssue), nil
	}

	issue, err := s.store.GetGitHubIssue(ctx, number)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		issue, err = s.client.GetIssue(ctx, number)
		if err != nil {
			return nil, err
		}
		if issue == nil {
			return nil, nil
		}
		// Mirror the on-demand fetch; a store failure should not hide an
		// issue we already hold.
		if upsertErr := s.store.UpsertGitHubIssue(ctx, issue); upsertErr != nil {
			s.logger.Error("failed to mirror fetched issue",
				zap.Int("number", number), zap.Error(upsertErr))
		}
	}

	s.cache.Set(cacheKey(number), issue, gocache.DefaultExpiration)
	return issue, nil
}

func (s *Service) publishSynced(ctx context.Context, count, open int) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.IssueSynced, events.SourceGitHub, map[string]interface{}{
		"count": count,
		"open":  open,
	})
	if err := s.bus.Publish(ctx, events.IssueSynced, event); err != nil {
		s.logger.Debug("failed to publish issue sync event", zap.Error(err))
	}
}

func cacheKey(number int) string {
	return strconv.Itoa(number)
}
