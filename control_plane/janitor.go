package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/streams"
)

// Janitor trims streams periodically so the broker's memory stays
// bounded. Trimming is approximate; consumers that fall far behind lose
// history, which is acceptable for queues and the board feed.
type Janitor struct {
	broker   streams.Broker
	interval time.Duration
	maxLens  map[string]int64
	log      *logrus.Entry
}

func NewJanitor(broker streams.Broker, interval time.Duration) *Janitor {
	return &Janitor{
		broker:   broker,
		interval: interval,
		maxLens: map[string]int64{
			streams.TasksQueue:   1000,
			streams.TasksQA:      1000,
			streams.TasksResults: 1000,
			streams.EventsBoard:  5000,
		},
		log: logrus.WithField("component", "janitor"),
	}
}

// Start runs the trim loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.trimAll(ctx)
			}
		}
	}()
}

func (j *Janitor) trimAll(ctx context.Context) {
	for stream, maxLen := range j.maxLens {
		if err := j.broker.Trim(ctx, stream, maxLen); err != nil {
			j.log.WithError(err).WithField("stream", stream).Warn("trim failed")
		}
	}
}
