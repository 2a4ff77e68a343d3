package trading

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/internal/risk"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Result is the pipeline's answer for one submission.
type Result struct {
	Success bool
	DryRun  bool
	Cached  bool // replayed from the idempotency cache
	OrderID int64
	Status  string
	Order   *core.LiveOrder // nil for dry runs and cached dry-run replays
}

// BracketResult reports a bracket submission: the entry plus both
// protective leg ids under one group.
type BracketResult struct {
	Entry        *Result
	GroupID      int64
	StopLossID   int64
	TakeProfitID int64
	DryRun       bool
}

// PipelineDeps wires the pipeline's collaborators. WS, Registry and
// Brackets are optional.
type PipelineDeps struct {
	Validator   *Validator
	Policy      *risk.Engine
	Idempotency *IdempotencyCache
	REST        core.IOrderSubmitter
	WS          core.IOrderSubmitter
	Registry    *OrderRegistry
	Brackets    *BracketManager
	Runtime     *config.Runtime
	Logger      core.ILogger
	Metrics     *telemetry.MetricsHolder
}

// Pipeline runs every order through the same gauntlet: validate, policy
// gate, idempotency check, dry-run short-circuit, local rate limit, then
// the REST or WS submit path. Success records the trade and caches the
// response; failure leaves the counters and cache untouched so a retry is
// possible.
type Pipeline struct {
	validator *Validator
	policy    *risk.Engine
	idem      *IdempotencyCache
	rest      core.IOrderSubmitter
	ws        core.IOrderSubmitter
	registry  *OrderRegistry
	brackets  *BracketManager
	rt        *config.Runtime
	limiter   *rate.Limiter
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	now func() time.Time
}

// NewPipeline builds the pipeline. The local limiter guards every exchange
// write this process makes, independent of the transport's server-side
// budget.
func NewPipeline(deps PipelineDeps, cfg config.TradingConfig) *Pipeline {
	orderRate := cfg.LocalOrderRate
	if orderRate <= 0 {
		orderRate = 5
	}
	burst := cfg.LocalOrderBurst
	if burst <= 0 {
		burst = 10
	}

	return &Pipeline{
		validator: deps.Validator,
		policy:    deps.Policy,
		idem:      deps.Idempotency,
		rest:      deps.REST,
		ws:        deps.WS,
		registry:  deps.Registry,
		brackets:  deps.Brackets,
		rt:        deps.Runtime,
		limiter:   rate.NewLimiter(rate.Limit(orderRate), burst),
		logger:    deps.Logger.WithField("component", "order_pipeline"),
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// Submit runs one order through the pipeline.
func (p *Pipeline) Submit(ctx context.Context, req *core.OrderRequest) (*Result, error) {
	intent, err := p.validator.Validate(ctx, req)
	if err != nil {
		p.countFailure(ctx, err)
		return nil, err
	}

	decision := p.policy.Evaluate(ctx, risk.PolicyRequest{
		Symbol:        intent.Symbol,
		Amount:        intent.Amount,
		Price:         intent.Price,
		IncludeGuards: true,
	})
	if !decision.Allowed {
		return nil, apperrors.PolicyDenied(decision.Reason)
	}

	key := Fingerprint(intent, p.now())
	cached, status := p.idem.CheckAndRegister(key)
	switch status {
	case CacheHit:
		p.metrics.IncDuplicateSubmits(ctx)
		p.logger.Info("Duplicate submit served from cache",
			"symbol", intent.Symbol, "order_id", cached.OrderID)
		replay := *cached
		replay.Cached = true
		return &replay, nil
	case CacheInFlight:
		p.metrics.IncDuplicateSubmits(ctx)
		return nil, fmt.Errorf("%w: identical submit still in flight", apperrors.ErrDuplicateRequest)
	}

	snap := p.rt.Snapshot()
	if snap.Bool(config.KeyDryRunEnabled) || intent.DryRun {
		res := p.simulate(ctx, intent)
		p.idem.StoreResponse(key, res)
		return res, nil
	}

	if !p.limiter.Allow() {
		p.idem.Forget(key)
		rlErr := &apperrors.RateLimitedError{}
		p.countFailure(ctx, rlErr)
		return nil, rlErr
	}

	submitter, path := p.pickSubmitter(snap)
	if intent.ClientID == 0 {
		// Assigned after fingerprinting so retries of the same request
		// still dedupe.
		intent.ClientID = NewClientID()
	}

	start := p.now()
	order, err := submitter.Submit(ctx, intent)
	p.metrics.RecordOrderSubmitLatency(ctx, float64(p.now().Sub(start).Milliseconds()))
	if err != nil {
		p.idem.Forget(key)
		p.countFailure(ctx, err)
		p.logger.Error("Order submit failed",
			"symbol", intent.Symbol, "path", path, "error", err.Error())
		return nil, err
	}

	if err := p.policy.RecordTrade(intent.Symbol); err != nil {
		p.logger.Warn("Trade counter update failed", "error", err.Error())
	}
	p.metrics.IncOrdersTotal(ctx)
	if p.registry != nil {
		p.registry.Track(order)
	}

	res := &Result{Success: true, OrderID: order.ID, Status: order.Status, Order: order}
	p.idem.StoreResponse(key, res)
	p.logger.Info("Order accepted",
		"order_id", order.ID, "symbol", intent.Symbol, "status", order.Status, "path", path)
	return res, nil
}

// SubmitBracket places an entry order plus stop-loss and take-profit legs
// under one group id and registers the OCO linkage. The entry runs the full
// pipeline; the protective legs skip the policy gate since they reduce the
// exposure the entry already paid for.
func (p *Pipeline) SubmitBracket(ctx context.Context, entry *core.OrderRequest, stopPrice, takeProfitPrice decimal.Decimal) (*BracketResult, error) {
	if p.brackets == nil {
		return nil, fmt.Errorf("%w: bracket manager not configured", apperrors.ErrInternal)
	}
	if !stopPrice.IsPositive() || !takeProfitPrice.IsPositive() {
		return nil, apperrors.InvalidOrder("bracket", "stop and take profit prices must be positive")
	}

	gid := NewGroupID()
	entryReq := *entry
	entryReq.GroupID = gid

	res, err := p.Submit(ctx, &entryReq)
	if err != nil {
		return nil, err
	}
	if res.Cached {
		// The original call owns the bracket; a replay must not arm a
		// second pair of protective legs.
		return nil, fmt.Errorf("%w: entry was replayed from the idempotency cache", apperrors.ErrDuplicateRequest)
	}
	if res.DryRun {
		return &BracketResult{
			Entry:        res,
			GroupID:      gid,
			StopLossID:   NewSimulatedID(),
			TakeProfitID: NewSimulatedID(),
			DryRun:       true,
		}, nil
	}

	childSide := core.SideSell
	if strings.EqualFold(strings.TrimSpace(entryReq.Side), core.SideSell) {
		childSide = core.SideBuy
	}
	childAmount := entryReq.Amount.Abs()

	sl, err := p.submitLeg(ctx, &core.OrderRequest{
		Symbol:    entryReq.Symbol,
		Side:      childSide,
		Type:      core.TypeStop,
		Amount:    childAmount,
		Price:     stopPrice,
		UseMargin: entryReq.UseMargin,
		GroupID:   gid,
	})
	if err != nil {
		p.abortBracket(ctx, gid, res.OrderID, 0, err)
		return nil, err
	}

	tp, err := p.submitLeg(ctx, &core.OrderRequest{
		Symbol:    entryReq.Symbol,
		Side:      childSide,
		Type:      core.TypeLimit,
		Amount:    childAmount,
		Price:     takeProfitPrice,
		UseMargin: entryReq.UseMargin,
		GroupID:   gid,
	})
	if err != nil {
		p.abortBracket(ctx, gid, res.OrderID, sl.ID, err)
		return nil, err
	}

	if err := p.brackets.RegisterGroup(gid, res.OrderID, sl.ID, tp.ID); err != nil {
		p.logger.Error("Bracket registration failed", "gid", gid, "error", err.Error())
		return nil, err
	}
	p.logger.Info("Bracket placed",
		"gid", gid, "entry_id", res.OrderID, "sl_id", sl.ID, "tp_id", tp.ID)
	return &BracketResult{
		Entry:        res,
		GroupID:      gid,
		StopLossID:   sl.ID,
		TakeProfitID: tp.ID,
	}, nil
}

// Cancel cancels a live order over the currently selected submit path.
func (p *Pipeline) Cancel(ctx context.Context, orderID int64) error {
	submitter, _ := p.pickSubmitter(p.rt.Snapshot())
	return submitter.Cancel(ctx, orderID)
}

// submitLeg validates and places one protective child. It waits for a rate
// limiter slot instead of failing: a bracket without its legs leaves the
// entry unprotected.
func (p *Pipeline) submitLeg(ctx context.Context, req *core.OrderRequest) (*core.LiveOrder, error) {
	intent, err := p.validator.Validate(ctx, req)
	if err != nil {
		p.countFailure(ctx, err)
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	submitter, _ := p.pickSubmitter(p.rt.Snapshot())
	if intent.ClientID == 0 {
		intent.ClientID = NewClientID()
	}
	order, err := submitter.Submit(ctx, intent)
	if err != nil {
		p.countFailure(ctx, err)
		return nil, err
	}
	if p.registry != nil {
		p.registry.Track(order)
	}
	return order, nil
}

// abortBracket unwinds a half-placed bracket: best-effort cancel of the
// entry and any child already on the book.
func (p *Pipeline) abortBracket(ctx context.Context, gid, entryID, childID int64, cause error) {
	p.logger.Error("Bracket leg failed, unwinding",
		"gid", gid, "entry_id", entryID, "error", cause.Error())
	submitter, _ := p.pickSubmitter(p.rt.Snapshot())
	for _, id := range []int64{childID, entryID} {
		if id == 0 {
			continue
		}
		if err := submitter.Cancel(ctx, id); err != nil {
			p.logger.Error("Bracket unwind cancel failed", "gid", gid, "order_id", id, "error", err.Error())
		}
	}
}

func (p *Pipeline) simulate(ctx context.Context, intent *core.OrderIntent) *Result {
	id := NewSimulatedID()
	if err := p.policy.RecordTrade(intent.Symbol); err != nil {
		p.logger.Warn("Trade counter update failed", "error", err.Error())
	}
	p.metrics.IncOrdersTotal(ctx)
	p.logger.Info("Dry run order simulated",
		"order_id", id, "symbol", intent.Symbol, "type", intent.Type,
		"amount", intent.Amount.String(), "price", intent.Price.String())
	return &Result{Success: true, DryRun: true, OrderID: id, Status: "ACTIVE"}
}

func (p *Pipeline) pickSubmitter(snap *config.Snapshot) (core.IOrderSubmitter, string) {
	if snap.Bool(config.KeySubmitViaWS) && p.ws != nil {
		return p.ws, "ws"
	}
	return p.rest, "rest"
}

// countFailure labels a failed submission by its error kind. Policy denials
// are excluded here because the policy engine already counts them under the
// constraints metric.
func (p *Pipeline) countFailure(ctx context.Context, err error) {
	p.metrics.IncOrdersFailed(ctx, apperrors.Kind(err))
}

// NewClientID derives a positive int64 client order id from a random UUID.
// The exchange scopes cids to the day, so 63 random bits are plenty.
func NewClientID() int64 {
	return randomID()
}

// NewGroupID derives a positive int64 bracket group id.
func NewGroupID() int64 {
	return randomID()
}

// NewSimulatedID derives a positive int64 id for dry-run responses.
func NewSimulatedID() int64 {
	return randomID()
}

func randomID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
}
