package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

// ErrFetch marks failures that abort a run before any item is processed.
var ErrFetch = errors.New("fetch new items")

// RunState is a step of the run state machine.
type RunState string

const (
	StateStarting        RunState = "starting"
	StateFetching        RunState = "fetching"
	StateProcessingItems RunState = "processing_items"
	StateFinalizing      RunState = "finalizing"
	StateSucceeded       RunState = "succeeded"
	StateFailed          RunState = "failed"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// RunControllerDeps wires all driven adapters into the run controller.
type RunControllerDeps struct {
	Connector     ports.CatalogConnector
	Registrations ports.RegistrationStore
	Audit         ports.AuditStore
	Dispatch      DispatchConfig
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Now           func() time.Time
}

// RunController executes one synchronization pass per call to Run.
type RunController struct {
	connector   ports.CatalogConnector
	journal     *Journal
	checkpoints *CheckpointResolver
	matcher     *MatchEngine
	rotator     *FairnessRotator
	dispatch    DispatchConfig
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	// mu keeps runs started from the same process strictly sequential.
	mu sync.Mutex
}

// NewRunController constructs the orchestration component.
func NewRunController(deps RunControllerDeps) *RunController {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &RunController{
		connector:   deps.Connector,
		journal:     NewJournal(deps.Audit, logger, now),
		checkpoints: NewCheckpointResolver(deps.Audit),
		matcher:     NewMatchEngine(deps.Registrations),
		rotator:     NewFairnessRotator(deps.Registrations),
		dispatch:    deps.Dispatch,
		logger:      logger,
		tracer:      tracerOrNoop(deps.Tracer),
		now:         now,
	}
}

// runContext is the per-invocation state threaded through one run.
type runContext struct {
	state      RunState
	record     *domain.RunRecord
	watermark  domain.Watermark
	dispatcher *HoldDispatcher
	logger     *slog.Logger
}

func (rc *runContext) transition(to RunState) {
	rc.logger.Debug("run state", "from", string(rc.state), "to", string(to))
	rc.state = to
}

// observe tracks the first and last item recorded during the run.
func (rc *runContext) observe(number int64, createdAt time.Time) {
	created := createdAt.UTC()
	if rc.record.FirstItemNumber == nil {
		rc.record.FirstItemNumber = &number
		rc.record.FirstItemCreated = &created
	}
	rc.record.LastItemNumber = &number
	rc.record.LastItemCreated = &created
}

// ItemResult is the explicit outcome of processing one item.
type ItemResult struct {
	Record  *domain.ItemRecord
	Matches int
	Placed  int
	Failed  int
	// NewOrder is the rotated priority of the first registration, if rotated.
	NewOrder *int
	Err      error
}

// Run performs a single synchronization pass. The returned run record is
// always finalized when non-nil; the error is non-nil only when the run
// failed as a whole.
func (c *RunController) Run(ctx context.Context) (*domain.RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "autoholds.run")
	defer span.End()

	rc := &runContext{state: StateStarting, logger: c.logger}
	record, err := c.journal.BeginRun(ctx, c.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("begin run: %w", err)
	}
	rc.record = record
	rc.logger = c.logger.With("run_id", record.ID, "run_uuid", record.UUID.String())
	span.SetAttributes(attribute.Int64("run_id", record.ID))

	err = c.execute(ctx, rc)
	c.finalize(ctx, rc, &err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return record, err
}

// execute walks Fetching and ProcessingItems; a panic escaping either is
// converted to an error so finalization always happens.
func (c *RunController) execute(ctx context.Context, rc *runContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
			c.journal.Note(ctx, rc.record.Ref(), domain.LevelError, "The run stopped unexpectedly", err)
		}
	}()

	rc.transition(StateFetching)
	items, err := c.fetch(ctx, rc)
	if err != nil {
		return err
	}

	rc.transition(StateProcessingItems)
	for i, item := range items {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.journal.Note(context.WithoutCancel(ctx), rc.record.Ref(), domain.LevelWarning,
				fmt.Sprintf("Run interrupted with %d of %d items left unprocessed", len(items)-i, len(items)), ctxErr)
			return fmt.Errorf("process items: %w", ctxErr)
		}
		c.processEntry(ctx, rc, item)
	}
	return nil
}

func (c *RunController) fetch(ctx context.Context, rc *runContext) ([]domain.Item, error) {
	run := rc.record

	wm, err := c.checkpoints.Resolve(ctx, run.ID, run.StartedAt)
	if err != nil {
		c.journal.Note(ctx, run.Ref(), domain.LevelError, "Could not determine where the last run left off", err)
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	rc.watermark = wm

	session, err := c.connector.Connect(ctx)
	if err != nil {
		c.journal.Note(ctx, run.Ref(), domain.LevelError, "Could not establish a catalog session", err)
		return nil, fmt.Errorf("%w: connect: %w", ErrFetch, err)
	}

	window := domain.Window{From: wm.ResumeFrom, To: run.StartedAt}
	items, err := session.NewItems(ctx, window)
	if err != nil {
		c.journal.Note(ctx, run.Ref(), domain.LevelError, "Could not fetch new items from the catalog", err)
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	run.NumItemsFound = len(items)
	rc.dispatcher = NewHoldDispatcher(session, c.dispatch, c.tracer)
	c.journal.Note(ctx, run.Ref(), domain.LevelInfo, fmt.Sprintf(
		"Found %d new items created between %s and %s (resuming after .b%da, watermark from %s)",
		len(items), window.From.Format(timeLayout), window.To.Format(timeLayout),
		wm.LastItemNumber, wm.Source), nil)
	return items, nil
}

// processEntry screens one fetched item and isolates any failure to it.
func (c *RunController) processEntry(ctx context.Context, rc *runContext, item domain.Item) {
	run := rc.record

	number, err := strconv.ParseInt(strings.TrimSpace(item.ID), 10, 64)
	if err != nil {
		c.journal.Note(ctx, run.Ref(), domain.LevelError,
			fmt.Sprintf("Skipping item with malformed identifier %q", item.ID), err)
		return
	}
	if item.CreatedAt.IsZero() {
		if item.CreatedAtErr != nil {
			c.journal.Note(ctx, run.Ref(), domain.LevelError,
				fmt.Sprintf("Skipping .b%da because its creation timestamp %q is unreadable", number, item.RawCreatedAt), item.CreatedAtErr)
			return
		}
		c.journal.Note(ctx, run.Ref(), domain.LevelError,
			fmt.Sprintf("Skipping .b%da because it has no creation timestamp", number), nil)
		return
	}
	if number <= rc.watermark.LastItemNumber {
		c.journal.Note(ctx, run.Ref(), domain.LevelNotice,
			fmt.Sprintf("Skipping .b%da because it is at or before the watermark .b%da", number, rc.watermark.LastItemNumber), nil)
		return
	}

	res := c.guardItem(ctx, rc, number, item)
	if res.Err != nil {
		c.journal.Note(ctx, run.Ref(), domain.LevelError,
			fmt.Sprintf("An error occurred while processing .b%da", number), res.Err)
		return
	}
	rc.logger.Debug("item processed", "item_number", number, "matches", res.Matches, "placed", res.Placed, "failed", res.Failed)
}

func (c *RunController) guardItem(ctx context.Context, rc *runContext, number int64, item domain.Item) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = newPanicError(r)
		}
	}()
	return c.processItem(ctx, rc, number, item)
}

func (c *RunController) processItem(ctx context.Context, rc *runContext, number int64, item domain.Item) ItemResult {
	rec, err := c.journal.RecordItem(ctx, rc.record, number, item)
	if err != nil {
		return ItemResult{Err: err}
	}
	rc.observe(number, item.CreatedAt)
	res := ItemResult{Record: rec}

	if strings.TrimSpace(item.Author) == "" {
		c.journal.Note(ctx, rec.Ref(), domain.LevelNotice,
			fmt.Sprintf("Skipping .b%da because it has no author", number), nil)
		return res
	}

	regs, err := c.matcher.Match(ctx, item)
	if err != nil {
		res.Err = err
		return res
	}
	res.Matches = len(regs)
	if err := c.journal.SetMatches(ctx, rec, len(regs)); err != nil {
		res.Err = err
		return res
	}
	c.journal.Note(ctx, rec.Ref(), domain.LevelInfo, fmt.Sprintf(
		"Found %d registrations for .b%da, format %s and language %s",
		len(regs), number, item.FormatCode, item.LanguageCode), nil)
	if len(regs) == 0 {
		return res
	}

	for _, reg := range regs {
		outcome := rc.dispatcher.PlaceHold(ctx, number, reg)
		if outcome.Placed() {
			res.Placed++
		} else {
			res.Failed++
		}
		c.recordOutcome(ctx, rec, number, reg, outcome)
	}

	if len(regs) > 1 {
		first := regs[0]
		newOrder, err := c.rotator.Rotate(ctx, first)
		if err != nil {
			res.Err = err
			return res
		}
		res.NewOrder = &newOrder
		c.journal.Note(ctx, rec.Ref(), domain.LevelInfo, fmt.Sprintf(
			"Moved .p%da to bottom of queue for .b%da, format %s and language %s. New position is %d",
			first.PatronRecordNumber, number, item.FormatCode, item.LanguageCode, newOrder), nil)
	}
	return res
}

func (c *RunController) recordOutcome(ctx context.Context, item *domain.ItemRecord, number int64, reg domain.Registration, outcome domain.HoldOutcome) {
	hold, err := c.journal.RecordHoldAttempt(ctx, item, reg, outcome.Placed())
	if err != nil {
		c.journal.Note(ctx, item.Ref(), domain.LevelError,
			fmt.Sprintf("Could not record hold attempt for .p%da (registration id %d, outcome %s)",
				reg.PatronRecordNumber, reg.ID, outcome.Kind), err)
		return
	}

	switch outcome.Kind {
	case domain.OutcomePlaced:
		c.journal.Note(ctx, hold.Ref(), domain.LevelSuccess, fmt.Sprintf(
			"Successfully placed hold on .b%da for .p%da with pickup at %s (registration id %d)",
			number, reg.PatronRecordNumber, reg.PickupLocation, reg.ID), nil)
	case domain.OutcomeRejected:
		c.journal.Note(ctx, hold.Ref(), domain.LevelWarning, fmt.Sprintf(
			"Failed to place hold on .b%da for .p%da (registration id %d): %s",
			number, reg.PatronRecordNumber, reg.ID, outcome.Rejection.Error()), nil)
	default:
		c.journal.Note(ctx, hold.Ref(), domain.LevelError, fmt.Sprintf(
			"An error occurred while placing hold on .b%da for .p%da (registration id %d)",
			number, reg.PatronRecordNumber, reg.ID), outcome.Err)
	}
}

// finalize stamps the end time and success flag and persists the run
// record. It runs on every exit path of Run.
func (c *RunController) finalize(ctx context.Context, rc *runContext, errp *error) {
	rc.transition(StateFinalizing)
	run := rc.record

	ended := c.now().UTC()
	run.EndedAt = &ended
	run.Successful = *errp == nil

	level := domain.LevelSuccess
	if !run.Successful {
		level = domain.LevelError
	}
	// Finalization must survive a cancelled run context.
	persistCtx := context.WithoutCancel(ctx)
	c.journal.Note(persistCtx, run.Ref(), level, fmt.Sprintf(
		"Run finished after %s: %d items found, successful=%t",
		ended.Sub(run.StartedAt).Round(time.Millisecond), run.NumItemsFound, run.Successful), nil)

	if err := c.journal.FinishRun(persistCtx, run); err != nil {
		rc.logger.Error("persist run record", "error", err)
		*errp = errors.Join(*errp, err)
	}

	if run.Successful {
		rc.transition(StateSucceeded)
	} else {
		rc.transition(StateFailed)
	}
}

// panicError carries a recovered panic value and the stack it came from.
type panicError struct {
	value any
	stack []byte
}

func newPanicError(value any) *panicError {
	return &panicError{value: value, stack: debug.Stack()}
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (e *panicError) Stack() []byte { return e.stack }

func (e *panicError) Unwrap() error {
	if err, ok := e.value.(error); ok {
		return err
	}
	return nil
}

func tracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("autoholds")
	}
	return tracer
}
