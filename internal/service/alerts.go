package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/tendersense/internal/alert"
	"github.com/knoguchi/tendersense/internal/tender"
)

// DefaultAlertCandidates is the recall pool for alert runs.
const DefaultAlertCandidates = 50

// AlertRun reports one profile evaluation.
type AlertRun struct {
	Profile string       `json:"profile"`
	New     []tender.Hit `json:"new"`
	Checked int          `json:"checked"`
}

// AlertOptions configures an AlertService.
type AlertOptions struct {
	// Candidates is the minimum recall pool; the pool is never smaller than
	// a profile's max_results.
	Candidates int
	// Workers bounds concurrent profiles in RunAll.
	Workers int
	Logger  *slog.Logger
	// Items counts checked/new items by profile; may be nil.
	Items *prometheus.CounterVec
	Now   func() time.Time
}

// AlertService evaluates saved searches and notifies about unseen notices.
type AlertService struct {
	ranker   Ranker
	store    alert.StateStore
	notifier alert.Notifier
	profiles map[string]tender.AlertProfile
	opts     AlertOptions
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAlertService creates an AlertService over the given profiles.
func NewAlertService(ranker Ranker, store alert.StateStore, notifier alert.Notifier, profiles map[string]tender.AlertProfile, opts AlertOptions) *AlertService {
	if opts.Candidates <= 0 {
		opts.Candidates = DefaultAlertCandidates
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = alert.LogNotifier{Logger: logger}
	}
	byName := make(map[string]tender.AlertProfile, len(profiles))
	for name, p := range profiles {
		p.Name = name
		byName[name] = p
	}
	return &AlertService{
		ranker:   ranker,
		store:    store,
		notifier: notifier,
		profiles: byName,
		opts:     opts,
		logger:   logger.With("component", "alerts"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Profiles returns the configured profile names in sorted order.
func (s *AlertService) Profiles() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunByName evaluates a configured profile.
func (s *AlertService) RunByName(ctx context.Context, name string) (*AlertRun, error) {
	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, alert.ErrUnknownProfile)
	}
	return s.RunAlertProfile(ctx, p)
}

// RunAlertProfile retrieves candidates for the profile query, applies the
// attribute filters, keeps notices not reported before (at most max_results)
// and notifies about them. State is saved only after delivery succeeds, so a
// failed delivery is retried on the next run.
func (s *AlertService) RunAlertProfile(ctx context.Context, p tender.AlertProfile) (*AlertRun, error) {
	if !alert.ValidProfileName(p.Name) {
		return nil, fmt.Errorf("%q: %w", p.Name, alert.ErrInvalidProfileName)
	}
	if p.Query == "" {
		return nil, fmt.Errorf("profile %q has no query: %w", p.Name, ErrInvalidArgument)
	}

	lock := s.lockFor(p.Name)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.store.Load(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("loading state for %q: %w", p.Name, err)
	}

	limit := p.Limit()
	pool := max(s.opts.Candidates, limit)
	hits, err := s.ranker.Rank(ctx, p.Query, pool, pool)
	if err != nil {
		return nil, fmt.Errorf("ranking %q: %w", p.Name, err)
	}

	filtered := alert.Filter(hits, p.Countries, p.CPVPrefixes)
	fresh := alert.Novel(filtered, state.SeenIDs)
	if len(fresh) > limit {
		fresh = fresh[:limit]
	}

	if len(fresh) > 0 {
		if err := s.notifier.Notify(ctx, p, fresh); err != nil {
			return nil, fmt.Errorf("notifying %q: %w", p.Name, err)
		}
	}

	next := alert.Merge(state, fresh, s.opts.Now())
	if err := s.store.Save(ctx, p.Name, next); err != nil {
		return nil, fmt.Errorf("saving state for %q: %w", p.Name, err)
	}

	if s.opts.Items != nil {
		s.opts.Items.WithLabelValues(p.Name, "checked").Add(float64(len(filtered)))
		s.opts.Items.WithLabelValues(p.Name, "new").Add(float64(len(fresh)))
	}
	s.logger.Info("alert run", "profile", p.Name, "candidates", len(hits), "checked", len(filtered), "new", len(fresh))

	return &AlertRun{Profile: p.Name, New: fresh, Checked: len(filtered)}, nil
}

// RunAll evaluates every configured profile on a bounded pool. Runs that
// fail are logged and joined into the returned error; successful runs are
// returned in profile name order.
func (s *AlertService) RunAll(ctx context.Context) ([]*AlertRun, error) {
	names := s.Profiles()
	if len(names) == 0 {
		return []*AlertRun{}, nil
	}

	pool, err := ants.NewPool(min(s.opts.Workers, len(names)))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	runs := make([]*AlertRun, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			runs[i], errs[i] = s.RunByName(ctx, name)
			if errs[i] != nil {
				s.logger.Error("alert run failed", "profile", name, "error", errs[i])
			}
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submitting %q: %w", name, submitErr)
		}
	}
	wg.Wait()

	out := make([]*AlertRun, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

func (s *AlertService) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// String implements fmt.Stringer.
func (r *AlertRun) String() string {
	return fmt.Sprintf("%s: %d new of %d checked", r.Profile, len(r.New), r.Checked)
}
