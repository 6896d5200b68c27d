package engine

import (
	"fmt"
	"log/slog"

	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

// Resolver turns fact sets into profiles. It holds only frozen data and is
// safe for concurrent use; every Resolve call works on its own builder.
type Resolver struct {
	rules  *RuleSet
	loader tables.Loader
	sink   diag.Sink
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for per-rule debug output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. sink receives signals emitted by the
// profiles it produces.
func NewResolver(rs *RuleSet, loader tables.Loader, sink diag.Sink, opts ...Option) *Resolver {
	if sink == nil {
		sink = diag.Discard{}
	}
	r := &Resolver{rules: rs, loader: loader, sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Rules() *RuleSet { return r.rules }

// Loader returns the data module loader tables are bound from.
func (r *Resolver) Loader() tables.Loader { return r.loader }

// Resolve applies every rule matching s in order and returns the finalized
// profile. On any error no profile is returned.
func (r *Resolver) Resolve(s facts.Set) (*profile.Profile, error) {
	plan, err := r.rules.Plan(s)
	if err != nil {
		return nil, err
	}

	b := profile.NewBuilder(s, r.sink)
	for _, rule := range plan.Ordered {
		current := rule.ID
		env := &Env{
			Profile:  b,
			Loader:   r.loader,
			RuleID:   current,
			precedes: func(earlier string) bool { return plan.Reaches(earlier, current) },
		}
		if err := rule.Action.Apply(env); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		r.logger.Debug("rule applied", "rule", rule.ID, "action", rule.Action.Kind())
	}

	p := b.Finalize()
	r.logger.Debug("profile resolved",
		"profile", p.ID(),
		"facts", s.String(),
		"rules", len(plan.Ordered),
		"layouts", len(p.LayoutNames()),
		"tables", len(p.TableNames()),
	)
	return p, nil
}

// ResolveFrom asks provider for the fact set first. A provider that cannot
// determine the facts fails the call with its error.
func (r *Resolver) ResolveFrom(provider facts.Provider) (*profile.Profile, error) {
	s, err := provider.Facts()
	if err != nil {
		return nil, err
	}
	return r.Resolve(s)
}
