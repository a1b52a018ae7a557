// Package scheduler fires the recurring maintenance and discovery tasks on
// wall-clock UTC cron expressions. Missed fires are not replayed.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/log"
)

// DiscoverArgs parameterizes a discovery fire.
type DiscoverArgs struct {
	Priority bool `json:"priority"`
}

// Scheduler owns the cron runner and the schedule table.
type Scheduler struct {
	broker *broker.Broker
	cron   *cron.Cron

	// MorningTime and EveningTime override the autoprioritize fires,
	// formatted HH:MM in UTC.
	MorningTime string
	EveningTime string
}

func New(b *broker.Broker, morningTime, eveningTime string) *Scheduler {
	return &Scheduler{
		broker:      b,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		MorningTime: morningTime,
		EveningTime: eveningTime,
	}
}

// Start registers the schedule table and begins firing. The returned stop
// function waits for in-flight submissions to finish.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	morning, err := dailySpec(s.MorningTime)
	if err != nil {
		return nil, fmt.Errorf("morning discovery time: %w", err)
	}
	evening, err := dailySpec(s.EveningTime)
	if err != nil {
		return nil, fmt.Errorf("evening discovery time: %w", err)
	}

	entries := []struct {
		name string
		spec string
		fire func()
	}{
		{"daily-discovery", "0 4 * * *", s.submit(ctx, broker.TaskDiscoverAllCities, DiscoverArgs{}, "")},
		{"autoprioritize-morning", morning, s.submit(ctx, broker.TaskDiscoverAllCities, DiscoverArgs{Priority: true}, "")},
		{"autoprioritize-evening", evening, s.submit(ctx, broker.TaskDiscoverAllCities, DiscoverArgs{Priority: true}, "")},
		{"backfill", "*/30 * * * *", s.submit(ctx, broker.TaskBackfill, nil, "")},
		{"cleanup", "30 2 * * *", s.submit(ctx, broker.TaskCleanupTemp, nil, "")},
		{"health", "*/5 * * * *", s.submit(ctx, broker.TaskHealthAggregate, nil, "")},
	}
	for _, entry := range entries {
		if _, err := s.cron.AddFunc(entry.spec, entry.fire); err != nil {
			return nil, fmt.Errorf("registering schedule entry %s (%s): %w", entry.name, entry.spec, err)
		}
		log.LogNoVideoID("schedule entry registered", "entry", entry.name, "spec", entry.spec)
	}

	s.cron.Start()
	return func() { <-s.cron.Stop().Done() }, nil
}

func (s *Scheduler) submit(ctx context.Context, kind broker.TaskKind, args interface{}, queue string) func() {
	return func() {
		if _, err := s.broker.Submit(ctx, kind, args, queue); err != nil {
			log.LogNoVideoID("scheduled submission failed", "kind", string(kind), "err", err)
		}
	}
}

// dailySpec converts an HH:MM wall-clock time into a daily cron expression.
func dailySpec(hhmm string) (string, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("want HH:MM, got %q", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("bad hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("bad minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
