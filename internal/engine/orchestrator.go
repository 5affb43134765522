package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/conflict"
	"github.com/roach88/stepsync/internal/draft"
	"github.com/roach88/stepsync/internal/permission"
	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/transport"
)

// DefaultInterval is the period of the sync timer.
const DefaultInterval = 30 * time.Second

// Store is the persistence the orchestrator drives. *store.Store
// implements it.
type Store interface {
	GetStep(ctx context.Context, step int) (*record.StepRecord, error)
	MaxSchemaVersion(ctx context.Context) (int, error)
	RecordMutation(ctx context.Context, rec record.StepRecord) (int64, error)
	UpsertSteps(ctx context.Context, recs []record.StepRecord) error
	DrainOutbox(ctx context.Context) ([]record.OutboxEntry, error)
	PendingOutbox(ctx context.Context) ([]record.OutboxEntry, error)
	ClearOutbox(ctx context.Context) (int64, error)
	StepsWithEntriesAfter(ctx context.Context, id int64) (map[int]bool, error)
	SetStatuses(ctx context.Context, steps []int, status record.Status, reason string, through int64) error
	MarkConflict(ctx context.Context, c record.ConflictDescriptor, reason string) error
	Conflicts(ctx context.Context) ([]record.ConflictDescriptor, error)
	ListStatuses(ctx context.Context) ([]record.StatusEntry, error)
}

// Transport performs one sync exchange with retries. *transport.Client
// implements it.
type Transport interface {
	SyncWithRetry(ctx context.Context, round string, steps []record.StepRecord, res record.ResolutionMap) (*transport.Result, error)
}

// ResolveFunc applies a resolution map to pending conflicts.
// conflict.ResolveAll is the default.
type ResolveFunc func(descs []record.ConflictDescriptor, res record.ResolutionMap, clients map[int]record.Data) ([]conflict.Resolved, []int, error)

// Recorder receives round metrics.
type Recorder interface {
	ObserveRound(trigger, result string, d time.Duration)
	SetOutboxDepth(n int)
	AddConflicts(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRound(string, string, time.Duration) {}
func (nopRecorder) SetOutboxDepth(int)                         {}
func (nopRecorder) AddConflicts(int)                           {}

// Deps are the collaborators of an Orchestrator. Store and Transport are
// required. Breaker is only read to derive the indicator. Assembler is
// required by Save only.
type Deps struct {
	Store     Store
	Transport Transport
	Breaker   *breaker.Breaker
	Resolve   ResolveFunc
	Assembler *draft.Assembler
}

// Orchestrator is the sync state machine.
//
// Thread-safety model:
//   - Save, Sync, Resolve, Notify, State and Indicator are safe from any
//     goroutine.
//   - At most one round runs at a time; a round requested while another is
//     in flight returns a skipped Outcome immediately.
//   - Run must be called from exactly one goroutine.
type Orchestrator struct {
	store     Store
	transport Transport
	breaker   *breaker.Breaker
	resolve   ResolveFunc
	assembler *draft.Assembler

	validator draft.Validator
	oracle    permission.Oracle
	recorder  Recorder
	rounds    RoundIDGenerator
	renew     func(ctx context.Context) error
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	inFlight atomic.Bool
	state    atomic.Int32
	offline  atomic.Bool
	triggers *triggerQueue
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithValidator sets the validation call made on save.
func WithValidator(v draft.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithPermissions sets the oracle consulted before validating and syncing.
// Without one every action is allowed.
func WithPermissions(p permission.Oracle) Option {
	return func(o *Orchestrator) { o.oracle = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithRoundIDs sets the round ID generator. Default: UUIDv7Generator.
func WithRoundIDs(g RoundIDGenerator) Option {
	return func(o *Orchestrator) { o.rounds = g }
}

// WithSessionRenewer sets the hook invoked when the remote rejects the
// session. The Unauthenticated error is still returned to the caller.
func WithSessionRenewer(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.renew = fn }
}

// WithInterval sets the period of the sync timer used by Run.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithClock sets the wall clock used for durations and resolved records.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}

	o := &Orchestrator{
		store:     deps.Store,
		transport: deps.Transport,
		breaker:   deps.Breaker,
		resolve:   deps.Resolve,
		assembler: deps.Assembler,
		recorder:  nopRecorder{},
		rounds:    UUIDv7Generator{},
		interval:  DefaultInterval,
		now:       time.Now,
		logger:    slog.Default(),
		triggers:  newTriggerQueue(),
	}
	if o.resolve == nil {
		o.resolve = conflict.ResolveAll
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Save assembles the current draft, validates it, persists it with an
// outbox entry and triggers a sync round.
//
// Persistence is never gated: the draft is written even when validation is
// denied or fails. A draft that fails validation is not synced. Storage
// failures are returned.
func (o *Orchestrator) Save(ctx context.Context) (SaveResult, error) {
	if o.assembler == nil {
		return SaveResult{}, ErrNoAssembler
	}

	persisted, err := o.store.MaxSchemaVersion(ctx)
	if err != nil {
		return SaveResult{}, err
	}
	rec, err := o.assembler.Assemble(ctx, persisted)
	if err != nil {
		return SaveResult{}, fmt.Errorf("assemble draft: %w", err)
	}
	out := SaveResult{Record: rec}

	if o.validator != nil {
		if ok, reason := permission.Allowed(ctx, o.oracle, permission.ActionValidate); ok {
			out.Invalid = o.validator.Validate(rec.Step, rec.Data)
		} else {
			out.ValidationSkipped = true
			o.logger.Debug("validation skipped", "step", rec.Step, "reason", reason)
		}
	}

	id, err := o.store.RecordMutation(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("save step %d: %w", rec.Step, err)
	}
	out.OutboxID = id
	o.logger.Info("draft saved", "step", rec.Step, "outbox_id", id, "fields", len(rec.Data))
	o.recordDepth(ctx)

	if out.Invalid != nil {
		o.logger.Warn("draft failed validation, not syncing", "step", rec.Step, "error", out.Invalid)
		return out, nil
	}

	outcome, err := o.Sync(ctx, TriggerSave)
	out.Sync = &outcome
	return out, err
}

// Sync runs one round: drain the outbox, submit one record per step and
// apply the answer. See the package documentation for the state machine.
//
// The returned error is non-nil only for an Unauthenticated response or a
// cancelled context. Other failures are recorded in Outcome.Err.
func (o *Orchestrator) Sync(ctx context.Context, trigger Trigger) (Outcome, error) {
	return o.runRound(ctx, trigger, roundInput{})
}

// Resolve applies res to the pending conflicts and resubmits the outbox
// with the resolution map. Steps with a conflict but no entry in res stay
// in conflict.
//
// For merge resolutions, conflicting fields the map does not mention take
// the server value.
func (o *Orchestrator) Resolve(ctx context.Context, res record.ResolutionMap) (Outcome, error) {
	if len(res) == 0 {
		return Outcome{}, ErrEmptyResolution
	}
	descs, err := o.store.Conflicts(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if len(descs) == 0 {
		return Outcome{}, ErrNoConflicts
	}

	clients := make(map[int]record.Data, len(descs))
	locals := make(map[int]record.StepRecord, len(descs))
	for _, d := range descs {
		rec, err := o.store.GetStep(ctx, d.Step)
		if err != nil {
			return Outcome{}, err
		}
		if rec != nil {
			clients[d.Step] = rec.Data
			locals[d.Step] = *rec
		}
	}

	resolved, unresolved, err := o.resolve(descs, res, clients)
	if err != nil {
		return Outcome{}, err
	}
	if len(unresolved) > 0 {
		o.logger.Info("conflicts left unresolved", "steps", unresolved)
	}

	in := roundInput{resolution: res}
	for _, r := range resolved {
		local, ok := locals[r.Step]
		if ok {
			in.local = append(in.local, local)
		}
		if r.DeferToServer {
			continue
		}
		in.apply = append(in.apply, record.StepRecord{
			Step:          r.Step,
			Data:          r.Data,
			SchemaVersion: local.SchemaVersion,
			UpdatedAt:     o.now().UTC(),
		})
	}
	return o.runRound(ctx, TriggerResolve, in)
}

// Notify posts a trigger for the Run loop. Duplicate pending triggers
// collapse into one.
func (o *Orchestrator) Notify(t Trigger) bool {
	return o.triggers.Post(t)
}

// Run syncs on start, on every timer tick and on every posted trigger
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting", "interval", o.interval)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	defer o.triggers.Close()

	o.tick(ctx, TriggerPeriodic)
	for {
		if t, ok := o.triggers.TryTake(); ok {
			o.tick(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx, TriggerPeriodic)
		case <-o.triggers.Wait():
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context, t Trigger) {
	out, err := o.Sync(ctx, t)
	if err != nil && ctx.Err() == nil {
		o.logger.Warn("sync round failed", "round", out.Round, "trigger", t, "error", err)
	}
}

// Indicator derives the user-facing status from the breaker, the engine
// state and the stored step statuses.
func (o *Orchestrator) Indicator(ctx context.Context) (Indicator, error) {
	if o.inFlight.Load() {
		return IndicatorSyncing, nil
	}
	if o.offline.Load() || (o.breaker != nil && o.breaker.State() == breaker.StateOpen) {
		return IndicatorOffline, nil
	}
	switch o.State() {
	case StateConflict, StateError:
		return IndicatorError, nil
	}

	statuses, err := o.store.ListStatuses(ctx)
	if err != nil {
		return IndicatorError, err
	}
	ind := IndicatorSynced
	for _, s := range statuses {
		switch s.Status {
		case record.StatusError:
			return IndicatorError, nil
		case record.StatusPending, record.StatusSyncing:
			ind = IndicatorSyncing
		}
	}
	return ind, nil
}

// roundInput carries what a resolution round adds to a plain round.
type roundInput struct {
	resolution record.ResolutionMap

	// local holds the stored records of resolved steps. They are sent when
	// the outbox no longer holds an entry for the step.
	local []record.StepRecord

	// apply holds resolved records, written locally once the remote
	// accepts the round and before its canonical records.
	apply []record.StepRecord
}

func (o *Orchestrator) runRound(ctx context.Context, trigger Trigger, in roundInput) (Outcome, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Debug("sync already in progress, trigger dropped", "trigger", trigger)
		return Outcome{Trigger: trigger, State: StateSyncing, Skipped: true, Reason: "sync already in progress"}, nil
	}
	defer o.inFlight.Store(false)

	start := o.now()
	prev := o.State()
	out := Outcome{Round: o.rounds.Generate(), Trigger: trigger, State: prev}
	o.state.Store(int32(StateSyncing))

	logger := o.logger.With("round", out.Round, "trigger", trigger)
	err := o.exchange(ctx, logger, &out, in)

	out.Duration = o.now().Sub(start)
	o.state.Store(int32(out.State))
	o.recorder.ObserveRound(string(trigger), out.Result(), out.Duration)
	o.recordDepth(ctx)
	return out, err
}

func (o *Orchestrator) exchange(ctx context.Context, logger *slog.Logger, out *Outcome, in roundInput) error {
	entries, err := o.store.DrainOutbox(ctx)
	if err != nil {
		o.storageFailure(ctx, logger, out, err)
		return nil
	}
	through := record.MaxEntryID(entries)
	steps := withLocal(record.Coalesce(entries), in.local)

	if len(steps) == 0 {
		out.State = StateIdle
		out.Skipped = true
		out.Reason = "outbox empty"
		logger.Debug("outbox empty, nothing to sync")
		return nil
	}

	if ok, reason := permission.Allowed(ctx, o.oracle, permission.ActionSync); !ok {
		out.Skipped = true
		out.Reason = reason
		logger.Info("sync not permitted", "reason", reason)
		return nil
	}

	held, err := o.heldConflicts(ctx)
	if err != nil {
		o.storageFailure(ctx, logger, out, err)
		return nil
	}

	out.Submitted = record.StepNumbers(steps)
	if err := o.store.SetStatuses(ctx, out.Submitted, record.StatusSyncing, "", 0); err != nil {
		o.storageFailure(ctx, logger, out, err)
		return nil
	}
	logger.Info("sync round started", "steps", out.Submitted, "entries", len(entries))

	result, err := o.transport.SyncWithRetry(ctx, out.Round, steps, in.resolution)
	if err != nil {
		return o.transportFailure(ctx, logger, out, err, held)
	}
	o.offline.Store(false)
	out.Attempts = result.Attempts

	if err := o.commit(ctx, logger, out, result.Response, through, in); err != nil {
		o.storageFailure(ctx, logger, out, err)
	}
	return nil
}

// commit applies a successful exchange. Without conflicts the drained
// entries are cleared. Steps edited during the exchange keep their new
// local value and stay pending.
func (o *Orchestrator) commit(ctx context.Context, logger *slog.Logger, out *Outcome, resp record.SyncResponse, through int64, in roundInput) error {
	conflicted := make(map[int]bool, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflicted[c.Step] = true
		if err := o.store.MarkConflict(ctx, c, conflictReason(c)); err != nil {
			return err
		}
	}

	if !resp.HasConflicts() {
		cleared, err := o.store.ClearOutbox(ctx)
		if err != nil {
			return err
		}
		out.Cleared = cleared
	}

	newer, err := o.store.StepsWithEntriesAfter(ctx, through)
	if err != nil {
		return err
	}
	keep := func(step int) bool { return !conflicted[step] && !newer[step] }

	var writes []record.StepRecord
	for _, rec := range in.apply {
		if keep(rec.Step) {
			writes = append(writes, rec)
		}
	}
	for _, rec := range resp.UpdatedSteps {
		if keep(rec.Step) {
			writes = append(writes, rec)
		}
	}
	if err := o.store.UpsertSteps(ctx, writes); err != nil {
		return err
	}

	for _, step := range out.Submitted {
		if keep(step) {
			out.Synced = append(out.Synced, step)
		}
	}
	if err := o.store.SetStatuses(ctx, out.Synced, record.StatusSynced, "", through); err != nil {
		return err
	}

	if resp.HasConflicts() {
		out.Conflicts = resp.Conflicts
		out.State = StateConflict
		o.recorder.AddConflicts(len(resp.Conflicts))
		logger.Warn("sync round returned conflicts",
			"conflicts", conflictSteps(resp.Conflicts),
			"synced", out.Synced,
		)
		return nil
	}

	out.State = StateIdle
	logger.Info("sync round complete",
		"synced", out.Synced,
		"cleared", out.Cleared,
		"updated", len(resp.UpdatedSteps),
		"attempts", out.Attempts,
	)
	return nil
}

func (o *Orchestrator) transportFailure(ctx context.Context, logger *slog.Logger, out *Outcome, err error, held map[int]record.ConflictDescriptor) error {
	// Status writes must land even when ctx is what failed.
	wctx := context.WithoutCancel(ctx)
	out.State = StateError

	switch {
	case ctx.Err() != nil:
		out.State = StateIdle
		o.markSteps(wctx, logger, out.Submitted, record.StatusPending, "sync interrupted", held)
		return err

	case transport.IsCircuitOpen(err):
		out.Err = err
		out.Reason = "circuit open"
		o.offline.Store(true)
		o.markSteps(wctx, logger, out.Submitted, record.StatusPending, "circuit open, deferred", held)
		logger.Info("sync deferred: circuit open", "error", err)
		return nil

	case transport.IsUnauthenticated(err):
		out.Err = err
		o.markSteps(wctx, logger, out.Submitted, record.StatusPending, "unauthenticated", held)
		logger.Warn("sync abandoned: unauthenticated", "error", err)
		if o.renew != nil {
			if rerr := o.renew(ctx); rerr != nil {
				return errors.Join(err, fmt.Errorf("renew session: %w", rerr))
			}
		}
		return err

	case transport.IsForbidden(err):
		out.Err = err
		o.markSteps(wctx, logger, out.Submitted, record.StatusError, "forbidden", held)
		logger.Warn("sync forbidden, local data kept", "error", err)
		return nil

	default:
		out.Err = err
		if transport.IsRetryable(err) {
			o.offline.Store(true)
		}
		o.markSteps(wctx, logger, out.Submitted, record.StatusError, err.Error(), held)
		logger.Error("sync round failed", "error", err)
		return nil
	}
}

func (o *Orchestrator) storageFailure(ctx context.Context, logger *slog.Logger, out *Outcome, err error) {
	out.State = StateError
	out.Err = err
	logger.Error("sync round storage failure", "error", err)
	if len(out.Submitted) > 0 {
		if serr := o.store.SetStatuses(context.WithoutCancel(ctx), out.Submitted, record.StatusError, err.Error(), 0); serr != nil {
			logger.Error("failed to record step status", "error", serr)
		}
	}
}

// markSteps sets the status of steps. Steps that entered the round with a
// pending conflict get their descriptor back so it can still be resolved.
func (o *Orchestrator) markSteps(ctx context.Context, logger *slog.Logger, steps []int, status record.Status, reason string, held map[int]record.ConflictDescriptor) {
	var plain []int
	for _, step := range steps {
		if c, ok := held[step]; ok {
			if err := o.store.MarkConflict(ctx, c, reason); err != nil {
				logger.Error("failed to restore conflict", "step", step, "error", err)
			}
			continue
		}
		plain = append(plain, step)
	}
	if err := o.store.SetStatuses(ctx, plain, status, reason, 0); err != nil {
		logger.Error("failed to record step status", "error", err)
	}
}

func (o *Orchestrator) heldConflicts(ctx context.Context) (map[int]record.ConflictDescriptor, error) {
	descs, err := o.store.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[int]record.ConflictDescriptor, len(descs))
	for _, d := range descs {
		held[d.Step] = d
	}
	return held, nil
}

func (o *Orchestrator) recordDepth(ctx context.Context) {
	entries, err := o.store.PendingOutbox(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Debug("outbox depth unavailable", "error", err)
		return
	}
	o.recorder.SetOutboxDepth(len(entries))
}

// withLocal adds the records in local whose step steps does not cover. The
// result stays ordered by step.
func withLocal(steps, local []record.StepRecord) []record.StepRecord {
	if len(local) == 0 {
		return steps
	}
	have := make(map[int]bool, len(steps))
	for _, s := range steps {
		have[s.Step] = true
	}
	out := append([]record.StepRecord(nil), steps...)
	for _, l := range local {
		if !have[l.Step] {
			out = append(out, l)
			have[l.Step] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

func conflictReason(c record.ConflictDescriptor) string {
	if c.WholeRecord() {
		return "conflict: whole record"
	}
	return "conflict: " + strings.Join(c.FieldNames(), ", ")
}

func conflictSteps(cs []record.ConflictDescriptor) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.Step
	}
	return out
}
