// Package worker consumes queued generation jobs when the server is deployed
// with redis.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/shopimg/shopimg/internal/processing"
	"github.com/shopimg/shopimg/internal/queue"
)

// Processor handles image processing tasks from the queue.
type Processor struct {
	pipeline *processing.Pipeline
}

// NewProcessor constructs a Processor.
func NewProcessor(pipeline *processing.Pipeline) *Processor {
	return &Processor{pipeline: pipeline}
}

// Register attaches the task handlers to the mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeProcessImage, p.handleProcess)
}

// handleProcess runs one generation attempt. Generation failures are recorded
// on the record inside the pipeline and are not task errors; only transient
// infrastructure errors bubble up so asynq can retry the task.
func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %v", asynq.SkipRetry, err)
	}
	log.Printf("worker: processing image %d (%s)", payload.ImageID, payload.Path)
	return p.pipeline.Process(ctx, payload.ImageID)
}
