package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvail/pgarc/internal/config"
	"github.com/rvail/pgarc/internal/model"
	"github.com/rvail/pgarc/internal/repo"
	"github.com/rvail/pgarc/internal/source"
	"github.com/rvail/pgarc/internal/store"
	"github.com/rvail/pgarc/internal/workgroup"
)

// DefaultTimeoutS is the job timeout in seconds when neither the job
// definition nor the service configuration sets one.
const DefaultTimeoutS = 3600

// ErrUnknownJob is returned when a submitted job names no known definition.
var ErrUnknownJob = errors.New("unknown job definition")

// Engine orchestrates asynchronous backup and restore execution. Each job
// fans out into one worker per target under a workgroup supervisor.
type Engine struct {
	store           store.Store
	registry        *source.Registry
	repo            *repo.Repo
	defs            map[string]config.JobDef
	defaultTimeoutS int
	logger          *slog.Logger
	wg              sync.WaitGroup
	broker          *LogBroker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an execution engine. defs are the named job definitions;
// defaultTimeoutS bounds jobs whose definition sets no timeout.
func New(s store.Store, reg *source.Registry, rp *repo.Repo, defs map[string]config.JobDef, defaultTimeoutS int, logger *slog.Logger) *Engine {
	if defaultTimeoutS <= 0 {
		defaultTimeoutS = DefaultTimeoutS
	}
	return &Engine{
		store:           s,
		registry:        reg,
		repo:            rp,
		defs:            defs,
		defaultTimeoutS: defaultTimeoutS,
		logger:          logger,
		broker:          NewLogBroker(),
		cancels:         make(map[string]context.CancelFunc),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Definitions returns the named job definitions, for API listing.
func (e *Engine) Definitions() map[string]config.JobDef {
	return e.defs
}

// Submit fills a job from its named definition, stores it with status
// "pending", and launches asynchronous execution in a goroutine. The
// goroutine operates on a copy of the job to avoid data races with the
// caller. Restore jobs must reference a completed backup job.
func (e *Engine) Submit(ctx context.Context, j *model.Job) error {
	def, ok := e.defs[j.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, j.Name)
	}

	if j.ID == "" {
		j.ID = model.NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.SourceKind = def.SourceKind
	j.Status = model.StatusPending
	j.FailFast = def.FailFast == nil || *def.FailFast

	if j.TimeoutS == nil {
		timeoutS := e.defaultTimeoutS
		if def.TimeoutS > 0 {
			timeoutS = def.TimeoutS
		}
		j.TimeoutS = &timeoutS
	}

	if j.Kind == model.KindRestore {
		prior, err := e.store.GetJob(ctx, j.RestoreOf)
		if err != nil {
			return fmt.Errorf("restore_of %q: %w", j.RestoreOf, err)
		}
		if prior.Kind != model.KindBackup || prior.Status != model.StatusCompleted {
			return fmt.Errorf("restore_of %q is not a completed backup job", j.RestoreOf)
		}
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jCopy := *j
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(&jCopy, def)
	}()

	return nil
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Kill marks a job killed and cancels its in-flight execution, if any. The
// store enforces the transition: killing a finished job returns
// store.ErrInvalidTransition and an unknown job store.ErrNotFound.
func (e *Engine) Kill(ctx context.Context, jobID string) error {
	if err := e.store.UpdateJobStatus(ctx, jobID, model.StatusKilled); err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.cancels[jobID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.logger.Info("job kill requested", "job_id", jobID)
	return nil
}

// jobKilled reports whether the job was marked killed out of band.
func (e *Engine) jobKilled(id string) bool {
	j, err := e.store.GetJob(context.Background(), id)
	return err == nil && j.Status == model.StatusKilled
}

// execute runs the job lifecycle in a goroutine: pending→running→terminal.
func (e *Engine) execute(j *model.Job, def config.JobDef) {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(j.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register before the pending→running transition so a Kill observed as
	// "running" is guaranteed to reach this execution's cancel func.
	e.mu.Lock()
	e.cancels[j.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, j.ID)
		e.mu.Unlock()
	}()

	if err := e.store.UpdateJobStatus(context.Background(), j.ID, model.StatusRunning); err != nil {
		if e.jobKilled(j.ID) {
			// Killed while still pending; the store already holds the
			// terminal state.
			e.logger.Info("job killed before start", "job_id", j.ID)
			return
		}
		e.logger.Error("failed to transition to running", "job_id", j.ID, "error", err)
		e.finishFailed(j, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}

	start := time.Now()

	timeout := time.Duration(*j.TimeoutS) * time.Second

	// The LogWriter dual-writes: persist to SQLite for historical viewing,
	// then publish to the broker for real-time SSE.
	var seq atomic.Int32
	spec := source.JobSpec{
		JobID:   j.ID,
		Name:    j.Name,
		DSN:     def.DSN,
		Paths:   def.Paths,
		Include: def.Include,
		Exclude: def.Exclude,
		LogWriter: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(context.Background(), j.ID, currentSeq, line); err != nil {
				e.logger.Error("failed to persist log line", "job_id", j.ID, "seq", currentSeq, "error", err)
			}
			e.broker.Publish(j.ID, LogEvent{Seq: currentSeq, Line: line})
		},
	}

	src, err := e.registry.Resolve(j.SourceKind)
	if err != nil {
		e.finishFailed(j, &start, fmt.Sprintf("resolve source: %v", err))
		return
	}

	targets, restoreOf, err := e.planTargets(ctx, src, spec, j)
	if err != nil {
		e.finishFailed(j, &start, err.Error())
		return
	}

	j.Targets = len(targets)
	if err := e.store.UpdateJob(context.Background(), j); err != nil {
		e.logger.Error("failed to record planned targets", "job_id", j.ID, "error", err)
	}

	var mu sync.Mutex
	var completed int

	g := workgroup.New(e.logger)
	// A timed-out or failed group may leave workers running; drain them
	// before the job goroutine exits.
	defer g.Kill()

	for slot, target := range targets {
		worker := e.startWorker(ctx, src, spec, j, def, target, restoreOf, func() {
			mu.Lock()
			completed++
			mu.Unlock()
		})
		if got := g.Add(worker); got != slot {
			e.logger.Error("unexpected worker slot", "job_id", j.ID, "slot", got, "want", slot)
		}
	}

	ok, groupErr := g.Complete(timeout, j.FailFast)
	durationMS := int(time.Since(start).Milliseconds())

	mu.Lock()
	j.CompletedTargets = completed
	mu.Unlock()
	j.DurationMS = &durationMS

	switch {
	case groupErr != nil:
		var wfErr *workgroup.WorkerFailureError
		var toErr *workgroup.TimeoutError
		switch {
		case errors.As(groupErr, &wfErr) && wfErr.Slot < len(targets):
			e.finishFailed(j, &start, fmt.Sprintf("target %s: %v", targets[wfErr.Slot], wfErr.Err))
		case errors.As(groupErr, &toErr):
			e.finishFailed(j, &start, fmt.Sprintf("job timed out after %ds", *j.TimeoutS))
		default:
			e.finishFailed(j, &start, groupErr.Error())
		}
	case !ok:
		e.finishFailed(j, &start, fmt.Sprintf("%d of %d targets failed", len(targets)-j.CompletedTargets, len(targets)))
	default:
		if e.jobKilled(j.ID) {
			e.finishKilled(j, &start)
			return
		}
		now := time.Now().UTC()
		j.Status = model.StatusCompleted
		j.StartedAt = &start
		j.FinishedAt = &now
		if err := e.store.UpdateJob(context.Background(), j); err != nil {
			e.logger.Error("failed to update completed job", "job_id", j.ID, "error", err)
		}
		e.logger.Info("job completed",
			"job_id", j.ID,
			"kind", j.Kind,
			"targets", j.Targets,
			"duration_ms", durationMS,
		)
	}
}

// planTargets determines the job's targets. Backup jobs ask the source;
// restore jobs replay the referenced backup job's catalog entries.
func (e *Engine) planTargets(ctx context.Context, src source.Source, spec source.JobSpec, j *model.Job) ([]string, map[string]*model.Backup, error) {
	if j.Kind == model.KindBackup {
		targets, err := src.Targets(ctx, spec)
		if err != nil {
			return nil, nil, fmt.Errorf("plan targets: %w", err)
		}
		return targets, nil, nil
	}

	backups, _, err := e.store.ListBackups(ctx, j.RestoreOf, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("list backups for %s: %w", j.RestoreOf, err)
	}
	if len(backups) == 0 {
		return nil, nil, fmt.Errorf("backup job %s has no catalog entries", j.RestoreOf)
	}

	targets := make([]string, 0, len(backups))
	byTarget := make(map[string]*model.Backup, len(backups))
	for _, b := range backups {
		targets = append(targets, b.Target)
		byTarget[b.Target] = b
	}
	return targets, byTarget, nil
}

// startWorker launches one target's backup or restore as a workgroup worker.
func (e *Engine) startWorker(ctx context.Context, src source.Source, spec source.JobSpec, j *model.Job, def config.JobDef, target string, restoreOf map[string]*model.Backup, onDone func()) workgroup.Worker {
	return workgroup.Go(func(workerCtx context.Context) error {
		// Honor both the worker's kill signal and the job's cancellation.
		runCtx, cancel := mergeCancel(workerCtx, ctx)
		defer cancel()

		var err error
		if j.Kind == model.KindBackup {
			err = e.backupTarget(runCtx, src, spec, j, target, def.Compress)
		} else {
			err = e.restoreTarget(runCtx, src, spec, target, restoreOf[target])
		}
		if err != nil {
			return err
		}
		onDone()
		return nil
	})
}

// backupTarget dumps one target through the source into a repository archive
// and records the catalog entry.
func (e *Engine) backupTarget(ctx context.Context, src source.Source, spec source.JobSpec, j *model.Job, target string, compress int) error {
	w, err := e.repo.Create(j.ID, target, compress)
	if err != nil {
		return err
	}

	if err := src.Backup(ctx, spec, target, w); err != nil {
		w.Abort()
		return err
	}

	info, err := w.Commit()
	if err != nil {
		return err
	}

	b := &model.Backup{
		ID:          model.NewID(),
		JobID:       j.ID,
		Target:      target,
		Path:        info.Path,
		RawBytes:    info.RawBytes,
		StoredBytes: info.StoredBytes,
		SHA256:      info.SHA256,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateBackup(context.Background(), b); err != nil {
		return fmt.Errorf("catalog %s: %w", target, err)
	}

	spec.Log(fmt.Sprintf("backed up %s: %d bytes raw, %d stored", target, info.RawBytes, info.StoredBytes))
	return nil
}

// restoreTarget streams one target's archive back through the source.
func (e *Engine) restoreTarget(ctx context.Context, src source.Source, spec source.JobSpec, target string, b *model.Backup) error {
	if b == nil {
		return fmt.Errorf("no catalog entry for target %s", target)
	}

	rc, err := e.repo.Open(b.Path, b.SHA256)
	if err != nil {
		return err
	}

	if err := src.Restore(ctx, spec, target, rc); err != nil {
		rc.Close()
		return err
	}

	// Close verifies the decompressed stream against the cataloged checksum.
	if err := rc.Close(); err != nil {
		return fmt.Errorf("verify %s: %w", target, err)
	}

	spec.Log(fmt.Sprintf("restored %s from %s", target, b.Path))
	return nil
}

// finishFailed marks a job as failed with the given error message. startedAt
// may be nil if execution never started. A job killed out of band keeps its
// killed status; the workers' cancellation errors must not overwrite it.
func (e *Engine) finishFailed(j *model.Job, startedAt *time.Time, errMsg string) {
	if e.jobKilled(j.ID) {
		e.finishKilled(j, startedAt)
		return
	}

	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	j.Status = model.StatusFailed
	j.Error = errMsg
	j.DurationMS = &durationMS
	j.StartedAt = startedAt
	j.FinishedAt = &now

	if err := e.store.UpdateJob(context.Background(), j); err != nil {
		e.logger.Error("failed to update failed job", "job_id", j.ID, "error", err)
	}
}

// finishKilled records final progress on a job killed by request. UpdateJob
// rewrites the whole row, so the killed status is carried along explicitly.
func (e *Engine) finishKilled(j *model.Job, startedAt *time.Time) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	j.Status = model.StatusKilled
	j.Error = "killed by request"
	j.DurationMS = &durationMS
	j.StartedAt = startedAt
	j.FinishedAt = &now

	if err := e.store.UpdateJob(context.Background(), j); err != nil {
		e.logger.Error("failed to update killed job", "job_id", j.ID, "error", err)
	}
	e.logger.Info("job killed", "job_id", j.ID, "completed_targets", j.CompletedTargets)
}

// mergeCancel returns a context canceled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
