package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TypeProcessImage is scheduled each time an original is uploaded or a
	// reprocess is requested.
	TypeProcessImage = "image:process"
)

// ProcessPayload tells the worker which record to run variant generation for.
// Path is informational; the worker re-reads the record before touching
// storage.
type ProcessPayload struct {
	ImageID int64  `json:"image_id"`
	Path    string `json:"path"`
}

// EnqueueProcess enqueues a variant generation job.
func EnqueueProcess(ctx context.Context, client *asynq.Client, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TypeProcessImage, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}

// Dispatcher hands generation jobs to the asynq queue, satisfying the same
// contract as the in-process pool.
type Dispatcher struct {
	client *asynq.Client
}

// NewDispatcher constructs a Dispatcher around an asynq client.
func NewDispatcher(client *asynq.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) Dispatch(ctx context.Context, imageID int64, path string) error {
	return EnqueueProcess(ctx, d.client, ProcessPayload{ImageID: imageID, Path: path})
}
