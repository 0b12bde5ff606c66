package queue

import (
	"context"
	"fmt"
)

// QueueCounts is one queue's backlog, keyed for the management API.
type QueueCounts struct {
	Waiting  int64 `json:"waiting"`
	Priority int64 `json:"priority"`
	Delayed  int64 `json:"delayed"`
}

// Counts reports backlog sizes for every queue.
func (f *Fabric) Counts(ctx context.Context) (map[string]QueueCounts, error) {
	out := make(map[string]QueueCounts, len(Names))
	for _, q := range Names {
		var c QueueCounts
		var err error
		if c.Waiting, err = f.store.LLen(ctx, waitingKey(q)); err != nil {
			return nil, fmt.Errorf("count %s waiting: %w", q, err)
		}
		if c.Priority, err = f.store.LLen(ctx, priorityKey(q)); err != nil {
			return nil, fmt.Errorf("count %s priority: %w", q, err)
		}
		delayed, err := f.store.ZRangeByScore(ctx, delayedKey(q), "-inf", "+inf")
		if err != nil {
			return nil, fmt.Errorf("count %s delayed: %w", q, err)
		}
		c.Delayed = int64(len(delayed))
		out[q] = c
	}
	return out, nil
}

// ListJobs returns the pending jobs of one queue, prioritised first.
func (f *Fabric) ListJobs(ctx context.Context, queue string) ([]*Job, error) {
	var ids []string
	for _, key := range []string{priorityKey(queue), waitingKey(queue)} {
		part, err := f.store.LRange(ctx, key, 0, -1)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", queue, err)
		}
		ids = append(ids, part...)
	}
	delayed, err := f.store.ZRangeByScore(ctx, delayedKey(queue), "-inf", "+inf")
	if err != nil {
		return nil, fmt.Errorf("list %s delayed: %w", queue, err)
	}
	ids = append(ids, delayed...)

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := f.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryJob puts a failed job back on its waiting list with a fresh attempt
// budget.
func (f *Fabric) RetryJob(ctx context.Context, id string) error {
	job, err := f.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}
	job.State = StateWaiting
	job.AttemptsMade = 0
	job.FailedReason = ""
	if err := f.saveJob(ctx, job, 0); err != nil {
		return err
	}
	list := waitingKey(job.Queue)
	if job.Priority == 1 {
		list = priorityKey(job.Queue)
	}
	return f.store.RPush(ctx, list, id)
}

// FailJob force-fails a pending job.
func (f *Fabric) FailJob(ctx context.Context, id, reason string) error {
	return f.forceFinish(ctx, id, &Result{Status: StateFailed, Error: reason})
}

// CompleteJob force-completes a pending job.
func (f *Fabric) CompleteJob(ctx context.Context, id, value string) error {
	return f.forceFinish(ctx, id, &Result{Status: StateCompleted, Value: value})
}

func (f *Fabric) forceFinish(ctx context.Context, id string, res *Result) error {
	job, err := f.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	f.removePending(ctx, job)
	f.finishJob(ctx, job, res)
	return nil
}

// DeleteJob removes a job and any pending occurrence of it.
func (f *Fabric) DeleteJob(ctx context.Context, id string) error {
	job, err := f.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Repeat != nil {
		if err := f.RemoveRepeatable(ctx, id, job.Queue); err != nil {
			return err
		}
	}
	f.removePending(ctx, job)
	return f.store.Del(ctx, jobKey(id), resultKey(id))
}

func (f *Fabric) removePending(ctx context.Context, job *Job) {
	_ = f.store.LRem(ctx, waitingKey(job.Queue), 0, job.ID)
	_ = f.store.LRem(ctx, priorityKey(job.Queue), 0, job.ID)
	_ = f.store.ZRem(ctx, delayedKey(job.Queue), job.ID)
}
