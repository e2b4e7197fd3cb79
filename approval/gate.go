package approval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/metrics"
)

type (
	// Store persists approvals. UpdateApproval must apply fn atomically and
	// persist nothing when fn fails.
	Store interface {
		CreateApproval(ctx context.Context, a *Approval) error
		GetApproval(ctx context.Context, id string) (*Approval, error)
		UpdateApproval(ctx context.Context, id string, fn func(*Approval) error) (*Approval, error)
		ListPendingApprovals(ctx context.Context) ([]*Approval, error)
	}

	// Directory resolves the roles of an approver.
	Directory interface {
		Roles(ctx context.Context, userID string) ([]string, error)
	}

	// ResolvedFunc is called exactly once per approval, by whichever call
	// moved it out of pending.
	ResolvedFunc func(ctx context.Context, a *Approval)

	Request struct {
		ExecutionID string
		RuleID      string
		StepID      string
		Approvers   Approvers
		Required    int
		ExpiresAt   time.Time
	}

	Gate struct {
		store      Store
		onResolved ResolvedFunc
		directory  Directory
		now        func() time.Time
		logger     *zap.Logger
		metrics    *metrics.Metrics
	}

	Option func(*Gate)
)

// StaticDirectory maps user ids to roles.
type StaticDirectory map[string][]string

func (d StaticDirectory) Roles(_ context.Context, userID string) ([]string, error) {
	return d[userID], nil
}

func WithDirectory(d Directory) Option {
	return func(g *Gate) { g.directory = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger.Named("approval")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func NewGate(store Store, onResolved ResolvedFunc, opts ...Option) *Gate {
	g := &Gate{
		store:      store,
		onResolved: onResolved,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval opens the approval of one execution step. Requesting the
// same step twice returns the existing approval.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (*Approval, error) {
	if req.ExecutionID == "" || req.StepID == "" {
		return nil, fault.Validation("approval request needs an execution and a step")
	}
	if len(req.Approvers.Users) == 0 && len(req.Approvers.Roles) == 0 {
		return nil, fault.Validation("approval %s: approver set is empty", ID(req.ExecutionID, req.StepID))
	}
	if req.Required < 1 {
		req.Required = 1
	}
	a := &Approval{
		ID:                ID(req.ExecutionID, req.StepID),
		ExecutionID:       req.ExecutionID,
		RuleID:            req.RuleID,
		StepID:            req.StepID,
		Approvers:         req.Approvers,
		RequiredApprovals: req.Required,
		Decisions:         map[string]Vote{},
		Status:            StatusPending,
		ExpiresAt:         req.ExpiresAt,
		CreatedAt:         g.now(),
	}
	err := g.store.CreateApproval(ctx, a)
	if fault.Is(err, fault.KindConflict) {
		return g.store.GetApproval(ctx, a.ID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create approval %s", a.ID)
	}
	g.logger.Info("approval requested",
		zap.String("approval_id", a.ID),
		zap.String("execution_id", a.ExecutionID),
		zap.Int("required", a.RequiredApprovals),
		zap.Time("expires_at", a.ExpiresAt))
	return a.Clone(), nil
}

func (g *Gate) Get(ctx context.Context, id string) (*Approval, error) {
	return g.store.GetApproval(ctx, id)
}

// Resolve records approverID's decision. A decision arriving after expiry
// expires the approval and returns an approval_expired fault.
func (g *Gate) Resolve(ctx context.Context, approvalID, approverID string, d Decision, notes string) (*Approval, error) {
	if approverID == "" {
		return nil, fault.Validation("approver id is required")
	}
	if !d.Valid() {
		return nil, fault.Validation("unknown decision %q", d)
	}
	current, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err := g.checkEligible(ctx, current, approverID); err != nil {
		return nil, err
	}

	now := g.now()
	var (
		resolved bool
		expired  bool
	)
	updated, err := g.store.UpdateApproval(ctx, approvalID, func(a *Approval) error {
		resolved, expired = false, false
		if a.Overdue(now) {
			expired = a.Expire(now)
			return nil
		}
		ok, err := a.Decide(approverID, d, notes, now)
		resolved = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("approval decision",
		zap.String("approval_id", approvalID),
		zap.String("approver", approverID),
		zap.String("decision", string(d)),
		zap.String("status", string(updated.Status)))

	if expired {
		g.resolved(ctx, updated)
		return updated, fault.ApprovalExpired("approval %s expired at %s", approvalID, updated.ExpiresAt.Format(time.RFC3339))
	}
	if resolved {
		g.resolved(ctx, updated)
	}
	return updated, nil
}

// Expire resolves a pending approval as expired now, whatever its expiry.
// It reports whether this call resolved it.
func (g *Gate) Expire(ctx context.Context, approvalID string) (bool, error) {
	return g.close(ctx, approvalID, StatusExpired)
}

// Withdraw closes a pending approval without calling back.
func (g *Gate) Withdraw(ctx context.Context, approvalID string) (bool, error) {
	return g.close(ctx, approvalID, StatusWithdrawn)
}

func (g *Gate) close(ctx context.Context, approvalID string, to Status) (bool, error) {
	now := g.now()
	flipped := false
	updated, err := g.store.UpdateApproval(ctx, approvalID, func(a *Approval) error {
		flipped = false
		if a.Status != StatusPending {
			return nil
		}
		a.resolve(to, now)
		flipped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if flipped && to != StatusWithdrawn {
		g.resolved(ctx, updated)
	}
	return flipped, nil
}

// Sweep expires every overdue pending approval and returns how many it
// expired.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	pending, err := g.store.ListPendingApprovals(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list pending approvals")
	}
	now := g.now()
	n := 0
	for _, p := range pending {
		if !p.Overdue(now) {
			continue
		}
		expired := false
		updated, err := g.store.UpdateApproval(ctx, p.ID, func(a *Approval) error {
			expired = false
			if a.Overdue(now) {
				expired = a.Expire(now)
			}
			return nil
		})
		if err != nil {
			g.logger.Error("expire approval", zap.String("approval_id", p.ID), zap.Error(err))
			continue
		}
		if expired {
			n++
			g.resolved(ctx, updated)
		}
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.logger.Error("approval sweep", zap.Error(err))
			}
		}
	}
}

func (g *Gate) checkEligible(ctx context.Context, a *Approval, approverID string) error {
	for _, u := range a.Approvers.Users {
		if u == approverID {
			return nil
		}
	}
	if len(a.Approvers.Roles) == 0 {
		return fault.Denied("%s is not an approver of %s", approverID, a.ID)
	}
	if g.directory == nil {
		return fault.Denied("%s is not an approver of %s: roles cannot be checked without a directory", approverID, a.ID)
	}
	roles, err := g.directory.Roles(ctx, approverID)
	if err != nil {
		return fault.System(err, "look up roles of %s", approverID)
	}
	for _, want := range a.Approvers.Roles {
		for _, have := range roles {
			if want == have {
				return nil
			}
		}
	}
	return fault.Denied("%s holds none of the roles allowed to decide %s", approverID, a.ID)
}

func (g *Gate) resolved(ctx context.Context, a *Approval) {
	g.metrics.ApprovalResolved(string(a.Status))
	g.logger.Info("approval resolved",
		zap.String("approval_id", a.ID),
		zap.String("execution_id", a.ExecutionID),
		zap.String("status", string(a.Status)))
	if g.onResolved != nil {
		g.onResolved(ctx, a.Clone())
	}
}
