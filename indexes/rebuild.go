package indexes

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/stubindex/host"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/tlv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var RebuildTaskCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stubindex",
	Subsystem: "rebuild",
	Name:      "tasks",
}, []string{"reason", "event"})

var RebuildTaskStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "stubindex",
	Subsystem: "rebuild",
	Name:      "tasks_states",
}, []string{"reason"})

var RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stubindex",
	Subsystem: "rebuild",
	Name:      "runs",
}, []string{"reason"})

var RebuildResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stubindex",
	Subsystem: "rebuild",
	Name:      "results",
}, []string{"reason", "result", "type"})

var RebuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "stubindex",
	Subsystem: "rebuild",
	Name:      "duration",
	Buckets:   []float64{0, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
}, []string{"reason"})

type rebuildTaskState byte

const (
	rebuildTaskStatePending    rebuildTaskState = 'P'
	rebuildTaskStateInProgress rebuildTaskState = 'I'
	rebuildTaskStateDone       rebuildTaskState = 'D'
)

func (s rebuildTaskState) String() string {
	switch s {
	case rebuildTaskStatePending:
		return "pending"
	case rebuildTaskStateInProgress:
		return "in_progress"
	case rebuildTaskStateDone:
		return "done"
	}
	return "unknown"
}

// RebuildTask is a persisted request to rebuild the indexes. There is one
// task per reason; a new request for the same reason bumps the revision.
type RebuildTask struct {
	State      rebuildTaskState
	LastUpdate time.Time
	Reason     string
	Revision   int64
	Cause      string
}

func (t *RebuildTask) Key() []byte {
	return host.RKey(t.Reason)
}

func (t *RebuildTask) Value() []byte {
	buf := tlv.Append(nil, 'S', []byte{byte(t.State)})
	buf = tlv.Append(buf, 'U', binary.BigEndian.AppendUint64(nil, uint64(t.LastUpdate.Unix())))
	buf = tlv.Append(buf, 'V', binary.BigEndian.AppendUint64(nil, uint64(t.Revision)))
	return tlv.Append(buf, 'C', []byte(t.Cause))
}

func (t *RebuildTask) Status() string {
	return t.State.String()
}

func parseRebuildTask(key, value []byte) (*RebuildTask, error) {
	if len(key) < 1 || key[0] != host.TaskPrefix {
		return nil, fmt.Errorf("not a rebuild task key: %q", key)
	}
	fields, err := tlv.Fields(value, 'S', 'U', 'V', 'C')
	if err != nil {
		return nil, errors.Join(stub_errors.ErrMalformed, err)
	}
	state, updated, revision, cause := fields[0], fields[1], fields[2], fields[3]
	if len(state) != 1 || len(updated) != 8 || len(revision) != 8 {
		return nil, errors.Join(stub_errors.ErrMalformed, fmt.Errorf("task %q: bad field sizes", key[1:]))
	}
	return &RebuildTask{
		State:      rebuildTaskState(state[0]),
		LastUpdate: time.Unix(int64(binary.BigEndian.Uint64(updated)), 0),
		Reason:     string(key[1:]),
		Revision:   int64(binary.BigEndian.Uint64(revision)),
		Cause:      string(cause),
	}, nil
}

// Reason classifies a rebuild cause.
func Reason(cause error) string {
	switch {
	case errors.Is(cause, stub_errors.ErrReinitialize):
		return "reinitialize"
	case errors.Is(cause, stub_errors.ErrCorrupted), errors.Is(cause, stub_errors.ErrStorage):
		return "corruption"
	case errors.Is(cause, stub_errors.ErrSerializerNotFound):
		return "unknown_serializer"
	case errors.Is(cause, stub_errors.ErrMalformed):
		return "malformed"
	}
	return "requested"
}

// RebuildHandler rebuilds whatever the task invalidated. It is called with
// at most one task at a time.
type RebuildHandler func(ctx context.Context, task *RebuildTask) error

type RebuildCoordinator struct {
	h        host.Host
	handler  RebuildHandler
	period   time.Duration
	tasks    sync.Mutex // read-modify-write of task records
	handling sync.Mutex
	running  *xsync.MapOf[string, int64]
	cancels  *xsync.MapOf[string, context.CancelFunc]
	workers  sync.WaitGroup
	wake     chan struct{}
}

func NewRebuildCoordinator(h host.Host, handler RebuildHandler, period time.Duration) *RebuildCoordinator {
	if period <= 0 {
		period = time.Second
	}
	return &RebuildCoordinator{
		h:       h,
		handler: handler,
		period:  period,
		running: xsync.NewMapOf[string, int64](),
		cancels: xsync.NewMapOf[string, context.CancelFunc](),
		wake:    make(chan struct{}, 1),
	}
}

func (rc *RebuildCoordinator) Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		RebuildTaskCount,
		RebuildTaskStates,
		RebuildCount,
		RebuildResults,
		RebuildDuration,
	}
}

func (rc *RebuildCoordinator) load(reason string) (*RebuildTask, error) {
	key := host.RKey(reason)
	value, closer, err := rc.h.Database().Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "rebuild task get")
	}
	defer closer.Close()
	return parseRebuildTask(key, value)
}

func (rc *RebuildCoordinator) save(task *RebuildTask) error {
	if err := rc.h.Database().Set(task.Key(), task.Value(), rc.h.WriteOptions()); err != nil {
		return storageErr(err, "rebuild task set")
	}
	return nil
}

// RequestRebuild persists a pending task for the cause's reason. It never
// fails the caller: storage errors are logged.
func (rc *RebuildCoordinator) RequestRebuild(cause error) {
	reason := Reason(cause)
	rc.tasks.Lock()
	task, err := rc.load(reason)
	if err != nil {
		rc.h.Logger().Warn("rebuild task unreadable, overwriting", "reason", reason, "err", err)
		task = nil
	}
	if task == nil {
		task = &RebuildTask{Reason: reason}
	}
	task.State = rebuildTaskStatePending
	task.Revision++
	task.LastUpdate = time.Now()
	task.Cause = fmt.Sprint(cause)
	err = rc.save(task)
	rc.tasks.Unlock()
	if err != nil {
		rc.h.Logger().Error("failed to persist rebuild request", "reason", reason, "cause", cause, "err", err)
		return
	}
	RebuildTaskCount.WithLabelValues(reason, "requested").Inc()
	rc.h.Logger().Warn("index rebuild requested", "reason", reason, "cause", cause, "revision", task.Revision)
	select {
	case rc.wake <- struct{}{}:
	default:
	}
}

// Tasks lists every persisted task.
func (rc *RebuildCoordinator) Tasks() ([]*RebuildTask, error) {
	fro, til := host.PrefixRange(host.TaskPrefix)
	it, err := rc.h.Database().NewIter(&pebble.IterOptions{LowerBound: fro, UpperBound: til})
	if err != nil {
		return nil, storageErr(err, "rebuild task iterator")
	}
	defer it.Close()
	var tasks []*RebuildTask
	for valid := it.First(); valid; valid = it.Next() {
		task, err := parseRebuildTask(it.Key(), it.Value())
		if err != nil {
			rc.h.Logger().Error("failed to parse rebuild task", "key", string(it.Key()), "err", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Pending lists the reasons of tasks not yet done.
func (rc *RebuildCoordinator) Pending() []string {
	tasks, err := rc.Tasks()
	if err != nil {
		rc.h.Logger().Error("failed to list rebuild tasks", "err", err)
		return nil
	}
	var reasons []string
	for _, task := range tasks {
		if task.State != rebuildTaskStateDone {
			reasons = append(reasons, task.Reason)
		}
	}
	slices.Sort(reasons)
	return reasons
}

// RunPending runs every unfinished task in the calling goroutine.
func (rc *RebuildCoordinator) RunPending(ctx context.Context) error {
	tasks, err := rc.Tasks()
	if err != nil {
		return err
	}
	var errs []error
	for _, task := range tasks {
		if task.State == rebuildTaskStateDone {
			continue
		}
		if err := rc.runTask(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rc *RebuildCoordinator) start(ctx context.Context, task *RebuildTask) {
	if cancel, ok := rc.cancels.Load(task.Reason); ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	rc.cancels.Store(task.Reason, cancel)
	reason, revision := task.Reason, task.Revision
	rc.running.Store(reason, revision)
	rc.workers.Add(1)
	go func() {
		defer rc.workers.Done()
		defer rc.running.Compute(reason, func(rev int64, loaded bool) (int64, bool) {
			return rev, !loaded || rev == revision
		})
		_ = rc.runTask(ctx, task)
	}()
}

// CheckRebuildTasks polls the persisted tasks until ctx is done, starting
// pending ones and restarting those left in progress by a crash.
func (rc *RebuildCoordinator) CheckRebuildTasks(ctx context.Context) {
	cycle := func() {
		tasks, err := rc.Tasks()
		if err != nil {
			rc.h.Logger().ErrorCtx(ctx, "failed to list rebuild tasks", "err", err)
			return
		}
		for _, task := range tasks {
			RebuildTaskStates.WithLabelValues(task.Reason).Set(float64(task.State))
			switch task.State {
			case rebuildTaskStatePending:
				rev, ok := rc.running.Load(task.Reason)
				if !ok || rev < task.Revision {
					// not running, or running an outdated request
					rc.start(ctx, task)
				}
			case rebuildTaskStateInProgress:
				if _, ok := rc.running.Load(task.Reason); !ok {
					RebuildTaskCount.WithLabelValues(task.Reason, "restarted").Inc()
					rc.start(ctx, task)
				}
			case rebuildTaskStateDone:
				// rebuilds are one-shot
			}
		}
	}
	ticker := time.NewTicker(rc.period)
	defer ticker.Stop()
	for ctx.Err() == nil {
		cycle()
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-rc.wake:
		}
	}
	rc.workers.Wait()
}

func (rc *RebuildCoordinator) runTask(ctx context.Context, task *RebuildTask) error {
	rc.handling.Lock()
	defer rc.handling.Unlock()
	start := time.Now()
	RebuildCount.WithLabelValues(task.Reason).Inc()
	ctx = rc.h.Logger().WithDefaultArgs(ctx, "reason", task.Reason, "process", "rebuild")

	rc.tasks.Lock()
	stored, err := rc.load(task.Reason)
	if err == nil && stored != nil && stored.Revision > task.Revision {
		task = stored
	}
	task.State = rebuildTaskStateInProgress
	task.LastUpdate = time.Now()
	task.Revision++
	err = rc.save(task)
	rc.tasks.Unlock()
	if err != nil {
		RebuildResults.WithLabelValues(task.Reason, "error", "fail_to_set_in_progress").Inc()
		rc.h.Logger().ErrorCtx(ctx, "failed to set rebuild task to in progress, will restart", "err", err)
		return err
	}

	if err := rc.handler(ctx, task); err != nil {
		RebuildResults.WithLabelValues(task.Reason, "error", "handler").Inc()
		rc.h.Logger().ErrorCtx(ctx, "rebuild failed, will restart", "err", err)
		return err
	}
	if ctx.Err() != nil {
		RebuildResults.WithLabelValues(task.Reason, "cancelled", "cancelled").Inc()
		return ctx.Err()
	}

	rc.tasks.Lock()
	defer rc.tasks.Unlock()
	stored, err = rc.load(task.Reason)
	if err == nil && stored != nil && (stored.Revision != task.Revision || stored.State != rebuildTaskStateInProgress) {
		// requested again while running; leave it pending
		RebuildResults.WithLabelValues(task.Reason, "success", "superseded").Inc()
		return nil
	}
	task.State = rebuildTaskStateDone
	task.LastUpdate = time.Now()
	if err := rc.save(task); err != nil {
		RebuildResults.WithLabelValues(task.Reason, "error", "fail_to_save_done_task").Inc()
		rc.h.Logger().ErrorCtx(ctx, "failed to save rebuild task, will restart", "err", err)
		return err
	}
	RebuildResults.WithLabelValues(task.Reason, "success", "rebuilt").Inc()
	RebuildDuration.WithLabelValues(task.Reason).Observe(time.Since(start).Seconds())
	rc.h.Logger().InfoCtx(ctx, "rebuild done", "revision", task.Revision, "took", time.Since(start))
	return nil
}
