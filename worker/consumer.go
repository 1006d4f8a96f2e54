package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/promptsig"
	"github.com/blas1n/BSNexus/control_plane/streams"
)

const (
	consumeBlock = 30 * time.Second
	errorBackoff = 5 * time.Second
)

// errPromptUnverified means the payload carried a signed envelope we
// could not verify. The task is failed rather than executed.
var errPromptUnverified = errors.New("prompt signature invalid")

// Consumer runs the two mirrored work loops: execution tasks from the
// queue stream and QA reviews from the qa stream. Every consumed message
// produces exactly one result on the results stream and is acked
// regardless of outcome; a crash before the result publish leaves the
// message pending for redelivery to another consumer.
type Consumer struct {
	broker   streams.Broker
	agent    *Agent
	executor Executor
	signer   *promptsig.Signer
	log      *logrus.Entry
}

func NewConsumer(broker streams.Broker, agent *Agent, executor Executor, signer *promptsig.Signer) *Consumer {
	return &Consumer{
		broker:   broker,
		agent:    agent,
		executor: executor,
		signer:   signer,
		log:      logrus.WithField("component", "consumer"),
	}
}

// TaskLoop consumes execution tasks until ctx is cancelled.
func (c *Consumer) TaskLoop(ctx context.Context) {
	c.consumeLoop(ctx, "tasks_queue", "workers", c.processTask)
}

// QALoop consumes review tasks until ctx is cancelled.
func (c *Consumer) QALoop(ctx context.Context) {
	c.consumeLoop(ctx, "tasks_qa", "reviewers", c.processQA)
}

func (c *Consumer) consumeLoop(ctx context.Context, streamKey, groupKey string, process func(context.Context, streams.Message)) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := c.broker.Consume(ctx, c.agent.Stream(streamKey), c.agent.Group(groupKey), c.agent.WorkerID(), 1, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).WithField("stream", streamKey).Error("consume failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			process(ctx, msg)
			// Ack no matter what happened; the result message already
			// says whether the work succeeded.
			if err := c.broker.Ack(ctx, c.agent.Stream(streamKey), c.agent.Group(groupKey), msg.ID); err != nil {
				c.log.WithError(err).WithField("message_id", msg.ID).Warn("ack failed")
			}
		}
	}
}

func (c *Consumer) processTask(ctx context.Context, msg streams.Message) {
	taskID := msg.Values["task_id"]
	log := c.log.WithField("task_id", taskID)

	prompt, err := c.extractPrompt(msg.Values, "signed_worker_prompt", "worker_prompt")
	if err != nil {
		log.WithError(err).Error("rejecting task with unverifiable prompt")
		c.publishResult(ctx, map[string]any{
			"task_id":       taskID,
			"worker_id":     c.agent.WorkerID(),
			"type":          "execution",
			"success":       "false",
			"error_message": errPromptUnverified.Error(),
		})
		return
	}

	log.Info("executing task")
	result := c.executor.Execute(ctx, prompt, taskID)
	c.publishResult(ctx, map[string]any{
		"task_id":       taskID,
		"worker_id":     c.agent.WorkerID(),
		"type":          "execution",
		"success":       boolStr(result.Success),
		"output_path":   result.OutputPath,
		"error_message": result.ErrorMessage,
	})
	log.WithField("success", result.Success).Info("task executed")
}

func (c *Consumer) processQA(ctx context.Context, msg streams.Message) {
	taskID := msg.Values["task_id"]
	log := c.log.WithField("task_id", taskID)

	prompt, err := c.extractPrompt(msg.Values, "signed_qa_prompt", "qa_prompt")
	if err != nil {
		log.WithError(err).Error("rejecting review with unverifiable prompt")
		c.publishResult(ctx, map[string]any{
			"task_id":       taskID,
			"worker_id":     c.agent.WorkerID(),
			"type":          "qa",
			"passed":        "false",
			"feedback":      "",
			"error_message": errPromptUnverified.Error(),
		})
		return
	}

	log.Info("reviewing task")
	result := c.executor.Review(ctx, prompt, taskID)
	c.publishResult(ctx, map[string]any{
		"task_id":       taskID,
		"worker_id":     c.agent.WorkerID(),
		"type":          "qa",
		"passed":        boolStr(result.Passed),
		"feedback":      result.Feedback,
		"error_message": result.ErrorMessage,
	})
	log.WithField("passed", result.Passed).Info("review finished")
}

// extractPrompt prefers the signed envelope and falls back to the raw
// prompt field. A present but unverifiable envelope is an error; we
// never execute instructions we cannot authenticate.
func (c *Consumer) extractPrompt(values map[string]string, signedKey, rawKey string) (string, error) {
	if signed, ok := values[signedKey]; ok && signed != "" {
		if c.signer == nil {
			return "", errPromptUnverified
		}
		prompt, err := c.signer.ExtractJSON(signed)
		if err != nil {
			return "", errPromptUnverified
		}
		return unwrapPrompt(prompt), nil
	}
	return unwrapPrompt(values[rawKey]), nil
}

// unwrapPrompt unpacks the {"prompt": text} wrapper the control plane
// stores prompts in. Anything else passes through as-is.
func unwrapPrompt(raw string) string {
	var wrapper map[string]any
	if err := json.Unmarshal([]byte(raw), &wrapper); err == nil {
		if text, ok := wrapper["prompt"].(string); ok {
			return text
		}
	}
	return raw
}

func (c *Consumer) publishResult(ctx context.Context, values map[string]any) {
	if _, err := c.broker.Publish(ctx, c.agent.Stream("tasks_results"), values); err != nil {
		c.log.WithError(err).Error("result publish failed")
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
