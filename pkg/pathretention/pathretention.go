// Package pathretention deletes outdated archives from a destination
// directory according to a calendar based retention policy.
//
// Archives are bucketed by the UTC instant encoded in their file name. The
// newest archive of each hour, day, ISO week, month and year fills one slot
// of the matching rule until the rule's count is reached. Rules are tried from
// the shortest period to the longest, and an archive kept by one rule is not
// considered for the others.
package pathretention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-backupd/pkg/hints"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backupd/pkg/pathretentionmetrics"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// Constants for time formats used in retention bucketing
const (
	hourFormat  = "2006-01-02-15"
	dayFormat   = "2006-01-02"
	weekFormat  = "%d-%d" // ISO year and week, time has no layout code for it
	monthFormat = "2006-01"
	yearFormat  = "2006"
)

// Soft results of Apply. Both are hints: nothing was deleted and nothing went wrong.
var (
	ErrPolicyDisabled = hints.New("retention policy is disabled")
	ErrNothingToPrune = hints.New("no archives outside the retention policy")
)

// DefaultDeleteWorkers is the number of concurrent deletions when Options.Workers is unset.
const DefaultDeleteWorkers = 4

// Policy is the number of archives to keep per calendar period. A zero
// policy keeps everything.
type Policy struct {
	Hours  int `json:"hours"`
	Days   int `json:"days"`
	Weeks  int `json:"weeks"`
	Months int `json:"months"`
	Years  int `json:"years"`
}

// Enabled reports whether any rule of the policy is set.
func (p Policy) Enabled() bool {
	return p.Hours > 0 || p.Days > 0 || p.Weeks > 0 || p.Months > 0 || p.Years > 0
}

// Validate rejects negative counts.
func (p Policy) Validate() error {
	if p.Hours < 0 || p.Days < 0 || p.Weeks < 0 || p.Months < 0 || p.Years < 0 {
		return fmt.Errorf("retention counts cannot be negative: %s", p)
	}
	return nil
}

func (p Policy) String() string {
	if !p.Enabled() {
		return "keep all"
	}
	var parts []string
	for _, rule := range []struct {
		n    int
		name string
	}{{p.Hours, "hourly"}, {p.Days, "daily"}, {p.Weeks, "weekly"}, {p.Months, "monthly"}, {p.Years, "yearly"}} {
		if rule.n != 0 {
			parts = append(parts, fmt.Sprintf("%d %s", rule.n, rule.name))
		}
	}
	return strings.Join(parts, ", ")
}

// Options configures a Retainer.
type Options struct {
	Workers int
	Metrics bool
	DryRun  bool
}

// Retainer applies a Policy to destination directories. It is stateless and
// safe for concurrent use.
type Retainer struct {
	policy Policy
	opts   Options
}

// archive is one artifact found in a destination directory.
type archive struct {
	name      string
	timestamp time.Time
}

// New creates a Retainer for policy.
func New(policy Policy, opts Options) *Retainer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultDeleteWorkers
	}
	return &Retainer{policy: policy, opts: opts}
}

// Apply deletes the archives in dir that the policy does not keep. Archives
// named in protected are never counted or deleted. Files that are not
// archives are ignored.
func (r *Retainer) Apply(ctx context.Context, dir string, protected ...string) error {
	if !r.policy.Enabled() {
		return ErrPolicyDisabled
	}

	archives, err := r.fetchSortedArchives(dir, protected)
	if err != nil {
		return err
	}

	toKeep := r.filterToKeep(archives)
	var toDelete []archive
	for _, a := range archives {
		if !toKeep[a.name] {
			toDelete = append(toDelete, a)
		}
	}
	if len(toDelete) == 0 {
		return ErrNothingToPrune
	}

	var m pathretentionmetrics.Metrics = &pathretentionmetrics.NoopMetrics{}
	if r.opts.Metrics {
		m = &pathretentionmetrics.RetentionMetrics{}
	}
	plog.Info("Deleting outdated archives", "path", dir, "count", len(toDelete), "policy", r.policy)
	m.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		m.StopProgress()
		m.LogSummary("Delete finished")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, a := range toDelete {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			path := filepath.Join(dir, a.name)
			if r.opts.DryRun {
				plog.Notice("[DRY RUN] DELETE", "path", path)
				return nil
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.AddArchivesFailed(1)
				plog.Warn("Failed to delete outdated archive", "path", path, "error", err)
				return nil
			}
			m.AddArchivesDeleted(1)
			plog.Notice("DELETED", "path", path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// fetchSortedArchives returns the archives in dir sorted from newest to oldest.
func (r *Retainer) fetchSortedArchives(dir string, protected []string) ([]archive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read destination directory %s: %w", dir, err)
	}

	skip := make(map[string]bool, len(protected))
	for _, p := range protected {
		skip[filepath.Base(p)] = true
	}

	var archives []archive
	for _, e := range entries {
		if !e.Type().IsRegular() || skip[e.Name()] {
			continue
		}
		ts, _, ok := pathcompression.ParseArchiveFileName(e.Name())
		if !ok {
			continue
		}
		archives = append(archives, archive{name: e.Name(), timestamp: ts})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].timestamp.After(archives[j].timestamp)
	})
	return archives, nil
}

// filterToKeep applies the policy to archives, which must be sorted newest first.
func (r *Retainer) filterToKeep(archives []archive) map[string]bool {
	toKeep := make(map[string]bool)

	savedHourly := make(map[string]bool)
	savedDaily := make(map[string]bool)
	savedWeekly := make(map[string]bool)
	savedMonthly := make(map[string]bool)
	savedYearly := make(map[string]bool)

	keep := func(saved map[string]bool, limit int, key string) bool {
		if limit > 0 && len(saved) < limit && !saved[key] {
			saved[key] = true
			return true
		}
		return false
	}

	for _, a := range archives {
		ts := a.timestamp.UTC()
		year, week := ts.ISOWeek()
		switch {
		case keep(savedHourly, r.policy.Hours, ts.Format(hourFormat)),
			keep(savedDaily, r.policy.Days, ts.Format(dayFormat)),
			keep(savedWeekly, r.policy.Weeks, fmt.Sprintf(weekFormat, year, week)),
			keep(savedMonthly, r.policy.Months, ts.Format(monthFormat)),
			keep(savedYearly, r.policy.Years, ts.Format(yearFormat)):
			toKeep[a.name] = true
		}
	}

	plog.Debug("Retention plan",
		"hourly", len(savedHourly), "daily", len(savedDaily), "weekly", len(savedWeekly),
		"monthly", len(savedMonthly), "yearly", len(savedYearly), "kept", len(toKeep))
	return toKeep
}
