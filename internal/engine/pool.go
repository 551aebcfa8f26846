package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Job is one pipeline run for one call.
type Job struct {
	CallID string
	Ctx    context.Context
	Run    func(ctx context.Context)
}

// PipelinePool runs transcription pipelines on a fixed set of workers so
// a burst of talkative callers cannot exhaust goroutines or provider
// quotas. Submission never blocks the audio ingestion path.
type PipelinePool struct {
	NumWorkers int
	QueueSize  int
	Logger     *logrus.Logger

	jobs chan Job
}

func (p *PipelinePool) Start(ctx context.Context) error {
	if p.Logger == nil {
		return errors.New("PipelinePool missing dependency: Logger must be set")
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 5
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 64
	}
	p.jobs = make(chan Job, p.QueueSize)

	for i := 0; i < p.NumWorkers; i++ {
		go p.runWorker(ctx, i+1)
	}
	return nil
}

func (p *PipelinePool) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			jctx := job.Ctx
			if jctx == nil {
				jctx = ctx
			}
			if jctx.Err() != nil {
				// call ended while queued
				continue
			}
			job.Run(jctx)
		}
	}
}

// Submit enqueues a job without blocking. The boolean is false when the
// queue is full; callers must then release whatever in-progress marker
// they hold so the next threshold crossing can retry.
func (p *PipelinePool) Submit(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		p.Logger.WithField("call_id", job.CallID).Warn("pipeline queue full, dropping run")
		return false
	}
}
