// Package bus moves workflow triggers between the REST boundary and the
// engines. Producers persist the instance and enqueue a trigger; consumers
// own an instance for the duration of a run through the distributed lock and
// commit whatever the run raised before letting go.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/caseworks/caseflow/internal/otel"
	"github.com/caseworks/caseflow/internal/registry"
	"github.com/caseworks/caseflow/pkg/bpmn"
	"github.com/caseworks/caseflow/pkg/cmmn"
	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/caseworks/caseflow/pkg/lock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ErrInstanceBusy is returned on synchronous commands when the target
// instance is currently owned by a worker.
var ErrInstanceBusy = errors.New("bus: instance is busy")

type Bus struct {
	provider  QueueProvider
	store     eventstore.Store
	committer *eventstore.Committer
	registry  *registry.Registry
	locks     lock.DistributedLock
	pool      *lock.TaskPool
	executor  *bpmn.Executor
	engine    *cmmn.Engine
	logger    hclog.Logger
	workers   int
	wg        sync.WaitGroup
}

type Option = func(*Bus)

func New(provider QueueProvider, store eventstore.Store, reg *registry.Registry, executor *bpmn.Executor, engine *cmmn.Engine, options ...Option) *Bus {
	b := &Bus{
		provider:  provider,
		store:     store,
		committer: eventstore.NewCommitter(store),
		registry:  reg,
		locks:     lock.NewLocalLock(),
		pool:      lock.NewTaskPool(),
		executor:  executor,
		engine:    engine,
		logger:    hclog.Default().Named("bus"),
		workers:   4,
	}
	for _, option := range options {
		option(b)
	}
	return b
}

func WithWorkers(workers int) Option {
	return func(b *Bus) {
		if workers > 0 {
			b.workers = workers
		}
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func WithLock(locks lock.DistributedLock) Option {
	return func(b *Bus) { b.locks = locks }
}

// Start spawns the consumer workers. They exit when ctx is cancelled;
// Stop waits for them.
func (b *Bus) Start(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(3)
		go b.consume(ctx, QueueCaseLaunch, b.handleCaseLaunch)
		go b.consume(ctx, QueueCaseReactivate, b.handleCaseReactivate)
		go b.consume(ctx, QueueProcessLaunch, b.handleProcessLaunch)
	}
}

func (b *Bus) Stop() {
	b.wg.Wait()
	b.pool.Shutdown()
}

// LaunchCase creates a case plan instance, persists its creation and enqueues
// the launch trigger. Returns the new instance id.
func (b *Bus) LaunchCase(ctx context.Context, planId string) (string, error) {
	plan, err := b.registry.CasePlan(planId)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	instance, err := cmmn.NewCaseInstance(id, plan)
	if err != nil {
		return "", err
	}
	if err := b.committer.Commit(ctx, instance); err != nil {
		return "", fmt.Errorf("failed to persist case instance %s: %w", id, err)
	}
	if err := b.publish(ctx, QueueCaseLaunch, LaunchCaseMessage{CaseInstanceID: id}); err != nil {
		return "", err
	}
	otel.CaseInstancesStarted.Add(ctx, 1)
	return id, nil
}

// ReactivateCase enqueues a reactivation trigger for an existing instance.
func (b *Bus) ReactivateCase(ctx context.Context, instanceId string) error {
	version, err := b.store.StreamVersion(ctx, cmmn.StreamNameFor(instanceId))
	if err != nil {
		return err
	}
	if version == 0 {
		return fmt.Errorf("%w: case instance %s", eventstore.ErrNotFound, instanceId)
	}
	return b.publish(ctx, QueueCaseReactivate, ReactivateCaseMessage{CaseInstanceID: instanceId})
}

// LaunchProcess creates a process instance from a deployed resource and
// enqueues the launch trigger. Returns the new instance id.
func (b *Bus) LaunchProcess(ctx context.Context, processId string, nameIdentifier string) (string, error) {
	m, err := b.registry.ProcessModel(processId)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	instance, err := bpmn.NewProcessInstance(id, m)
	if err != nil {
		return "", err
	}
	if err := b.committer.Commit(ctx, instance); err != nil {
		return "", fmt.Errorf("failed to persist process instance %s: %w", id, err)
	}
	if err := b.publish(ctx, QueueProcessLaunch, LaunchProcessMessage{ProcessInstanceID: id, NameIdentifier: nameIdentifier}); err != nil {
		return "", err
	}
	otel.ProcessInstancesStarted.Add(ctx, 1)
	return id, nil
}

// PublishProcessMessage delivers a message token to a process instance
// synchronously. Fails with ErrInstanceBusy while a worker owns the instance.
func (b *Bus) PublishProcessMessage(ctx context.Context, instanceId string, token bpmn.MessageToken) error {
	acquired, err := b.locks.AcquireLock(ctx, instanceId)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer b.release(ctx, instanceId)

	instance, err := b.loadProcess(ctx, instanceId)
	if err != nil {
		return err
	}
	if err := b.executor.PublishMessage(ctx, instance, token); err != nil {
		return err
	}
	if err := b.committer.Commit(ctx, instance); err != nil {
		return err
	}
	otel.MessagesPublished.Add(ctx, 1)
	return nil
}

// CompleteUserTask finishes a waiting user task of a process instance and
// advances it. The node ref is either a pointer id or a flow node id.
// Synchronous: the lock is free because consumers release it while the
// instance waits on external input.
func (b *Bus) CompleteUserTask(ctx context.Context, instanceId string, nodeRef string, outcome []bpmn.MessageToken) error {
	acquired, err := b.locks.AcquireLock(ctx, instanceId)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer b.release(ctx, instanceId)

	instance, err := b.loadProcess(ctx, instanceId)
	if err != nil {
		return err
	}
	pathId, pointer := findUserTaskPointer(instance, nodeRef)
	if pointer == nil {
		return fmt.Errorf("%w: no waiting user task %s on instance %s", eventstore.ErrNotFound, nodeRef, instanceId)
	}
	if err := b.executor.CompleteUserTask(ctx, instance, pathId, pointer.ID, outcome); err != nil {
		return err
	}
	if err := b.committer.Commit(ctx, instance); err != nil {
		return err
	}
	if instance.Status == bpmn.StatusCompleted {
		otel.ProcessInstancesCompleted.Add(ctx, 1)
	}
	return nil
}

func findUserTaskPointer(instance *bpmn.ProcessInstance, nodeRef string) (string, *bpmn.ExecutionPointer) {
	for _, path := range instance.ExecutionPaths {
		for _, pointer := range path.ActivePointers() {
			if pointer.ID == nodeRef || pointer.FlowNodeID == nodeRef {
				return path.ID, pointer
			}
		}
	}
	return "", nil
}

// SuspendProcess parks a started instance until ResumeProcess.
func (b *Bus) SuspendProcess(ctx context.Context, instanceId string) error {
	return b.withProcess(ctx, instanceId, func(instance *bpmn.ProcessInstance) error {
		return instance.Suspend()
	})
}

// ResumeProcess unparks a suspended instance and advances whatever became
// runnable while it was parked.
func (b *Bus) ResumeProcess(ctx context.Context, instanceId string) error {
	return b.withProcess(ctx, instanceId, func(instance *bpmn.ProcessInstance) error {
		if err := instance.Resume(); err != nil {
			return err
		}
		return b.executor.Run(ctx, instance)
	})
}

// withProcess is the synchronous command discipline: own the instance lock,
// rehydrate, mutate, commit.
func (b *Bus) withProcess(ctx context.Context, instanceId string, mutate func(*bpmn.ProcessInstance) error) error {
	acquired, err := b.locks.AcquireLock(ctx, instanceId)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer b.release(ctx, instanceId)

	instance, err := b.loadProcess(ctx, instanceId)
	if err != nil {
		return err
	}
	if err := mutate(instance); err != nil {
		return err
	}
	return b.committer.Commit(ctx, instance)
}

// CompleteCaseElement finishes a human task held open by a running case.
// The instruction reaches the supervision loop that owns the instance, so
// the resulting events are committed when its run ends.
func (b *Bus) CompleteCaseElement(ctx context.Context, instanceId string, elementRef string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return b.engine.CompleteHumanTask(ctx, instanceId, elementRef)
}

// StartCaseElement manually starts an enabled plan item of a running case.
func (b *Bus) StartCaseElement(ctx context.Context, instanceId string, elementRef string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return b.engine.StartElement(ctx, instanceId, elementRef)
}

// SetCaseVariables records variables on a case that no worker currently
// owns; criteria and repetition rules of a later run see them.
func (b *Bus) SetCaseVariables(ctx context.Context, instanceId string, variables map[string]any) error {
	acquired, err := b.locks.AcquireLock(ctx, instanceId)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer b.release(ctx, instanceId)

	instance, err := b.loadCase(ctx, instanceId)
	if err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(variables)) {
		if err := instance.SetVariable(name, variables[name]); err != nil {
			return err
		}
	}
	return b.committer.Commit(ctx, instance)
}

// Case rehydrates a case plan instance for read-only access.
func (b *Bus) Case(ctx context.Context, instanceId string) (*cmmn.CasePlanInstance, error) {
	return b.loadCase(ctx, instanceId)
}

// Process rehydrates a process instance for read-only access.
func (b *Bus) Process(ctx context.Context, instanceId string) (*bpmn.ProcessInstance, error) {
	return b.loadProcess(ctx, instanceId)
}

type Status struct {
	Running            int      `json:"running"`
	ProcessDefinitions []string `json:"processDefinitions"`
	CasePlans          []string `json:"casePlans"`
}

func (b *Bus) Status() Status {
	return Status{
		Running:            b.pool.Len(),
		ProcessDefinitions: b.registry.ProcessIds(),
		CasePlans:          b.registry.CasePlanIds(),
	}
}

func (b *Bus) publish(ctx context.Context, queue string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", queue, err)
	}
	return b.provider.Publish(ctx, queue, payload)
}

func (b *Bus) consume(ctx context.Context, queue string, handle func(ctx context.Context, payload []byte)) {
	defer b.wg.Done()
	for {
		payload, err := b.provider.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to dequeue", "queue", queue, "error", err)
			continue
		}
		otel.CommandsConsumed.Add(ctx, 1)
		handle(ctx, payload)
	}
}

func (b *Bus) handleCaseLaunch(ctx context.Context, payload []byte) {
	var msg LaunchCaseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Error("dropping malformed case launch message", "error", err)
		return
	}
	b.runLocked(ctx, msg.CaseInstanceID, func(runCtx context.Context) error {
		instance, plan, err := b.loadCaseWithPlan(runCtx, msg.CaseInstanceID)
		if err != nil {
			return err
		}
		engineErr := b.engine.Start(runCtx, instance, plan)
		if err := b.commit(ctx, instance); err != nil {
			return err
		}
		if engineErr != nil {
			return engineErr
		}
		if instance.State == cmmn.StateCompleted {
			otel.CaseInstancesCompleted.Add(ctx, 1)
		}
		return nil
	})
}

func (b *Bus) handleCaseReactivate(ctx context.Context, payload []byte) {
	var msg ReactivateCaseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Error("dropping malformed case reactivate message", "error", err)
		return
	}
	b.runLocked(ctx, msg.CaseInstanceID, func(runCtx context.Context) error {
		instance, plan, err := b.loadCaseWithPlan(runCtx, msg.CaseInstanceID)
		if err != nil {
			return err
		}
		engineErr := b.engine.Reactivate(runCtx, instance, plan)
		if err := b.commit(ctx, instance); err != nil {
			return err
		}
		if engineErr != nil {
			return engineErr
		}
		if instance.State == cmmn.StateCompleted {
			otel.CaseInstancesCompleted.Add(ctx, 1)
		}
		return nil
	})
}

func (b *Bus) handleProcessLaunch(ctx context.Context, payload []byte) {
	var msg LaunchProcessMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Error("dropping malformed process launch message", "error", err)
		return
	}
	b.runLocked(ctx, msg.ProcessInstanceID, func(runCtx context.Context) error {
		instance, err := b.loadProcess(runCtx, msg.ProcessInstanceID)
		if err != nil {
			return err
		}
		engineErr := b.executor.StartInstance(runCtx, instance, msg.NameIdentifier)
		if err := b.commit(ctx, instance); err != nil {
			return err
		}
		if engineErr != nil {
			return engineErr
		}
		if instance.Status == bpmn.StatusCompleted {
			otel.ProcessInstancesCompleted.Add(ctx, 1)
		}
		return nil
	})
}

// runLocked is the consumer ownership discipline: acquire the instance lock
// (contention drops the trigger, it is not an error), register a cancellable
// entry in the task pool, run, and always release both. Run errors are logged
// here and never crash the consumer.
func (b *Bus) runLocked(ctx context.Context, instanceId string, run func(ctx context.Context) error) {
	acquired, err := b.locks.AcquireLock(ctx, instanceId)
	if err != nil {
		b.logger.Error("failed to acquire instance lock", "instanceId", instanceId, "error", err)
		return
	}
	if !acquired {
		b.logger.Debug("instance owned by another worker, dropping trigger", "instanceId", instanceId)
		return
	}
	defer b.release(ctx, instanceId)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !b.pool.Add(instanceId, cancel) {
		// the lock should have excluded this; bail rather than run with
		// broken pool accounting
		b.logger.Error("instance already tracked in task pool, dropping trigger", "instanceId", instanceId)
		return
	}
	defer b.pool.Remove(instanceId)

	if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("instance run failed", "instanceId", instanceId, "error", err)
	}
}

func (b *Bus) release(ctx context.Context, instanceId string) {
	if err := b.locks.ReleaseLock(ctx, instanceId); err != nil {
		b.logger.Error("failed to release instance lock", "instanceId", instanceId, "error", err)
	}
}

// commit persists the events a run raised. Shutdown must not lose progress,
// so the commit survives cancellation of the request context.
func (b *Bus) commit(ctx context.Context, aggregate eventstore.Aggregate) error {
	return b.committer.Commit(context.WithoutCancel(ctx), aggregate)
}

func (b *Bus) loadCase(ctx context.Context, instanceId string) (*cmmn.CasePlanInstance, error) {
	stored, err := b.store.ReadStream(ctx, cmmn.StreamNameFor(instanceId))
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: case instance %s", eventstore.ErrNotFound, instanceId)
	}
	events, err := cmmn.DecodeEvents(stored)
	if err != nil {
		return nil, err
	}
	return cmmn.NewCaseFromEvents(events)
}

func (b *Bus) loadCaseWithPlan(ctx context.Context, instanceId string) (*cmmn.CasePlanInstance, *cmmn.CasePlanModel, error) {
	instance, err := b.loadCase(ctx, instanceId)
	if err != nil {
		return nil, nil, err
	}
	plan, err := b.registry.CasePlan(instance.CasePlanID)
	if err != nil {
		return nil, nil, err
	}
	return instance, plan, nil
}

func (b *Bus) loadProcess(ctx context.Context, instanceId string) (*bpmn.ProcessInstance, error) {
	stored, err := b.store.ReadStream(ctx, bpmn.StreamNameFor(instanceId))
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: process instance %s", eventstore.ErrNotFound, instanceId)
	}
	events, err := bpmn.DecodeEvents(stored)
	if err != nil {
		return nil, err
	}
	return bpmn.NewFromEvents(events)
}
