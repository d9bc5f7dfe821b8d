// Package drivers maps detected hardware to driver repositories and
// stages the matching driver packages. A hardware category with no
// matching repository degrades to an absent entry; it never fails the
// run, since a missing optional driver costs functionality, not
// boot-ability.
package drivers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/hardware"
)

// StagedDriver records the outcome for one hardware category.
type StagedDriver struct {
	// Repository is the locator the driver came from, empty when no
	// repository matched.
	Repository string `json:"repository,omitempty"`
	// Path is the staged package on the local filesystem, empty when
	// the driver is absent.
	Path string `json:"path,omitempty"`
	// Reason explains an absent driver: "no repository match",
	// "fetch failed: …", or "hardware not present".
	Reason string `json:"reason,omitempty"`
	// FetchFailed marks an absence caused by a failed staging fetch,
	// as opposed to hardware or configuration gaps.
	FetchFailed bool `json:"fetch_failed,omitempty"`
}

// Absent reports whether no driver was staged for the category.
func (d StagedDriver) Absent() bool {
	return d.Path == ""
}

// ResolvedDriverSet maps hardware categories (gpu, wifi, firmware) to
// staging outcomes. Absent entries are valid.
type ResolvedDriverSet map[string]StagedDriver

// Categories returns the category names in sorted order.
func (s ResolvedDriverSet) Categories() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StagedPaths returns the local paths of all staged drivers, sorted
// by category.
func (s ResolvedDriverSet) StagedPaths() []string {
	var paths []string
	for _, category := range s.Categories() {
		if d := s[category]; !d.Absent() {
			paths = append(paths, d.Path)
		}
	}
	return paths
}

// Fetcher is the external staging collaborator. It downloads (or
// copies) a repository locator and returns the local path.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (string, error)
}

// Resolver decides which driver to stage per hardware category.
type Resolver struct {
	Fetcher Fetcher

	// StageLimit bounds concurrent fetches. Zero means 3.
	StageLimit int
}

func NewResolver(fetcher Fetcher) *Resolver {
	return &Resolver{Fetcher: fetcher}
}

// Resolve matches each hardware category present in the profile
// against the configured repositories and stages the winners.
// Independent fetches run concurrently; results merge
// deterministically by category. A failed fetch degrades that
// category to absent.
func (r *Resolver) Resolve(ctx context.Context, profile *hardware.Profile, cfg *config.KernelConfig) (ResolvedDriverSet, error) {
	type pending struct {
		category string
		repo     string
	}
	set := ResolvedDriverSet{}
	var work []pending

	for category, desc := range categoryHardware(profile) {
		if desc == "" {
			set[category] = StagedDriver{Reason: "hardware not present"}
			continue
		}
		repo := matchRepo(cfg.DriverRepos[category], desc)
		if repo == "" {
			set[category] = StagedDriver{Reason: "no repository match"}
			logrus.WithFields(logrus.Fields{"category": category, "hardware": desc}).Info("no driver repository matches, continuing without driver")
			continue
		}
		work = append(work, pending{category: category, repo: repo})
	}

	limit := r.StageLimit
	if limit <= 0 {
		limit = 3
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, w := range work {
		w := w
		g.Go(func() error {
			path, err := r.Fetcher.Fetch(gctx, w.repo)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Degraded, not fatal: record why and move on.
				set[w.category] = StagedDriver{Repository: w.repo, Reason: fmt.Sprintf("fetch failed: %v", err), FetchFailed: true}
				logrus.WithFields(logrus.Fields{"category": w.category, "repo": w.repo}).WithError(err).Warn("driver staging failed, continuing without driver")
				return nil
			}
			set[w.category] = StagedDriver{Repository: w.repo, Path: path}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logrus.WithField("staged", len(set.StagedPaths())).Info("driver resolution complete")
	return set, nil
}

// categoryHardware maps each driver category to a lowercased
// vendor/model description of the matching hardware, or "" when the
// profile has none.
func categoryHardware(profile *hardware.Profile) map[string]string {
	m := map[string]string{
		"gpu":      "",
		"wifi":     "",
		"firmware": "generic",
	}
	if profile.GPU != nil {
		m["gpu"] = strings.ToLower(strings.TrimSpace(profile.GPU.Vendor + " " + profile.GPU.Model))
	}
	if profile.Wireless != nil {
		m["wifi"] = strings.ToLower(strings.TrimSpace(profile.Wireless.Vendor + " " + profile.Wireless.Model))
	}
	return m
}

// matchRepo returns the first repository whose glob matches the
// hardware description. An empty pattern matches everything.
func matchRepo(repos []config.DriverRepo, desc string) string {
	for _, repo := range repos {
		if repo.Match == "" {
			return repo.Locator
		}
		g, err := glob.Compile(strings.ToLower(repo.Match))
		if err != nil {
			logrus.WithField("pattern", repo.Match).WithError(err).Warn("invalid driver repository match pattern, skipping")
			continue
		}
		if g.Match(desc) {
			return repo.Locator
		}
	}
	return ""
}
