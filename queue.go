package offgate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Engine replays queued tasks against the upstream. Response status decides
// each task's fate: 2xx and 4xx both remove it, anything else counts a
// retry. One failing task never stops the rest of the batch.
type Engine struct {
	store  Store
	fetch  *Fetcher
	notify Broadcaster
	log    *slog.Logger
	now    func() time.Time
}

// NewEngine creates a replay engine. notify may be nil when nobody listens.
func NewEngine(store Store, fetch *Fetcher, notify Broadcaster, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:  store,
		fetch:  fetch,
		notify: notify,
		log:    log,
		now:    time.Now,
	}
}

// ProcessRegistrations replays the registration queue. Registration tasks
// are always sent as POST regardless of the stored method.
func (e *Engine) ProcessRegistrations(ctx context.Context) error {
	return e.process(ctx, CollectionRegistrations, true,
		MsgAsyncTaskProcessed, "Pending registration delivered after connectivity returned.")
}

// ProcessImages replays the image queue with each task's stored method.
func (e *Engine) ProcessImages(ctx context.Context) error {
	return e.process(ctx, CollectionImages, false,
		MsgAsyncImageTaskProcessed, "Pending image task delivered after connectivity returned.")
}

func (e *Engine) process(ctx context.Context, c Collection, forcePost bool, processedType, processedMsg string) error {
	tasks, err := e.store.Tasks(c)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	e.log.Info("processing queue", "collection", string(c), "tasks", len(tasks))

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if task.Expired(e.now()) {
			if err := e.store.DeleteTask(c, task.ID); err != nil {
				e.log.Error("delete expired task", "collection", string(c), "id", task.ID, "error", err)
				continue
			}
			e.log.Warn("task expired by ttl, dropped", "collection", string(c), "id", task.ID)
			continue
		}

		status, err := e.replay(ctx, task, forcePost)
		switch {
		case err != nil:
			e.log.Warn("task replay failed, will retry", "collection", string(c), "id", task.ID, "error", err)
			e.bumpRetry(c, task)

		case status >= 200 && status < 300:
			if err := e.store.DeleteTask(c, task.ID); err != nil {
				e.log.Error("delete delivered task", "collection", string(c), "id", task.ID, "error", err)
				continue
			}
			e.log.Info("task delivered", "collection", string(c), "id", task.ID)
			e.broadcast(ClientMessage{Type: processedType, Message: processedMsg})

		case status >= 400 && status < 500:
			// Client errors will not improve on retry.
			if err := e.store.DeleteTask(c, task.ID); err != nil {
				e.log.Error("delete rejected task", "collection", string(c), "id", task.ID, "error", err)
				continue
			}
			e.log.Warn("task rejected upstream, dropped", "collection", string(c), "id", task.ID, "status", status)

		default:
			e.log.Warn("task replay got server error, will retry", "collection", string(c), "id", task.ID, "status", status)
			e.bumpRetry(c, task)
		}
	}
	return nil
}

// replay sends one task upstream and returns the response status.
func (e *Engine) replay(ctx context.Context, task *PendingTask, forcePost bool) (int, error) {
	payload, contentType, err := task.Body.Build()
	if err != nil {
		return 0, err
	}

	headers := task.Headers.Clone()
	switch task.Body.Type {
	case BodyMultipart:
		// The rebuilt form has a fresh boundary.
		headers.Set("Content-Type", contentType)
	case BodyJSON:
		headers.Set("Content-Type", contentType)
	case BodyURLEncoded:
		if !strings.Contains(headers.Get("Content-Type"), "application/x-www-form-urlencoded") {
			headers.Set("Content-Type", contentType)
		}
	case BodyNone:
		headers.Del("Content-Type")
	}

	method := task.Method
	if forcePost || method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	resp, err := e.fetch.Do(ctx, method, task.URL, headers, body)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// bumpRetry counts a failed attempt and drops the task once it would exceed
// its retry budget.
func (e *Engine) bumpRetry(c Collection, task *PendingTask) {
	next := task.RetryCount + 1
	if next > task.MaxRetries {
		if err := e.store.DeleteTask(c, task.ID); err != nil {
			e.log.Error("delete exhausted task", "collection", string(c), "id", task.ID, "error", err)
			return
		}
		e.log.Warn("task dropped after exhausting retries", "collection", string(c), "id", task.ID)
		return
	}
	if err := e.store.SetRetryCount(c, task.ID, next); err != nil {
		e.log.Error("update retry count", "collection", string(c), "id", task.ID, "error", err)
	}
}

// ClearRegistrations deletes every registration task without replaying.
func (e *Engine) ClearRegistrations() error {
	return e.clear(CollectionRegistrations)
}

// ClearImages deletes every image task without replaying.
func (e *Engine) ClearImages() error {
	return e.clear(CollectionImages)
}

func (e *Engine) clear(c Collection) error {
	tasks, err := e.store.Tasks(c)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := e.store.DeleteTask(c, task.ID); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		e.log.Info("queue cleared", "collection", string(c), "dropped", len(tasks))
	}
	return nil
}

// Pending reports how many tasks wait in each queue.
func (e *Engine) Pending() (registrations, images int, err error) {
	regs, err := e.store.Tasks(CollectionRegistrations)
	if err != nil {
		return 0, 0, err
	}
	imgs, err := e.store.Tasks(CollectionImages)
	if err != nil {
		return 0, 0, err
	}
	return len(regs), len(imgs), nil
}

func (e *Engine) broadcast(msg ClientMessage) {
	if e.notify != nil {
		e.notify.Broadcast(msg)
	}
}
