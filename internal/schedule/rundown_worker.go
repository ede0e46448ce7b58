package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"playout-server/internal/conductor"
	"playout-server/internal/infra/async"
	"playout-server/internal/timeline"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	_metricKeyRundownActivations = "rundown_activations"
)

// Rundown is a recurring show: at every cron match its timeline replaces
// the conductor's active timeline.
type Rundown struct {
	Name         string
	Schedule     string
	TimelineFile string
}

type rundownFile struct {
	Objects []timeline.Object `json:"objects"`
}

func NewRundownWorker(
	ticker *time.Ticker,
	rundowns []Rundown,
	cond *conductor.Conductor,
) *RundownWorker {
	return &RundownWorker{
		ticker:         ticker,
		rundowns:       rundowns,
		conductor:      cond,
		metricCounters: make(map[string]metric.Float64Counter),
		cronParser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

var _ async.Worker = &RundownWorker{}

type RundownWorker struct {
	ticker         *time.Ticker
	rundowns       []Rundown
	conductor      *conductor.Conductor
	metricCounters map[string]metric.Float64Counter
	cronParser     cron.Parser
}

func (w *RundownWorker) Run(ctx context.Context, done func()) {
	slog.Debug("rundown worker started", slog.Int("rundowns", len(w.rundowns)))
	defer done()
	var wg sync.WaitGroup
	w.setupOtelCounters()

	for {
		select {
		case <-ctx.Done():
			slog.Info("rundown worker cancelled")
			wg.Wait()
			return
		case <-w.ticker.C:
			wg.Add(1)
			w.evaluateSchedules(context.Background(), wg.Done)
		}
	}
}

func (w *RundownWorker) setupOtelCounters() {
	meter := otel.Meter("playout_server")
	activationCounter, _ := meter.Float64Counter(
		fmt.Sprintf("%s.%s", "playout_server", "rundown_activations"),
		metric.WithDescription("playout_server rundown activation counter"),
	)

	w.metricCounters[_metricKeyRundownActivations] = activationCounter
}

func (w *RundownWorker) evaluateSchedules(ctx context.Context, done func()) {
	slog.Debug("evaluating rundown schedules", slog.Time("time", time.Now()))
	defer done()

	now := time.Now()
	for _, rundown := range w.rundowns {
		shouldActivate, err := w.shouldActivate(rundown.Schedule, now)
		if err != nil {
			slog.Error("evaluating rundown schedule",
				slog.String("rundown", rundown.Name),
				slog.String("schedule", rundown.Schedule),
				slog.Any("error", err))
			continue
		}

		if shouldActivate {
			w.activate(ctx, rundown)
		}
	}
}

func (w *RundownWorker) shouldActivate(schedule string, now time.Time) (bool, error) {
	scheduleSpec, err := w.cronParser.Parse(schedule)
	if err != nil {
		return false, fmt.Errorf("parsing cron schedule: %w", err)
	}

	// a schedule matches when its next run from one minute ago has passed
	nextRun := scheduleSpec.Next(now.Add(-time.Minute))
	return nextRun.Before(now) || nextRun.Equal(now), nil
}

func (w *RundownWorker) activate(ctx context.Context, rundown Rundown) {
	objects, err := LoadTimelineFile(rundown.TimelineFile)
	if err != nil {
		slog.Error("loading rundown timeline",
			slog.String("rundown", rundown.Name),
			slog.String("file", rundown.TimelineFile),
			slog.Any("error", err))
		return
	}

	w.conductor.SetTimeline(objects)
	w.metricCounters[_metricKeyRundownActivations].Add(ctx, 1)
	slog.Info("rundown activated",
		slog.String("rundown", rundown.Name),
		slog.Int("objects", len(objects)))
}

// LoadTimelineFile reads a timeline from disk, accepting either a bare
// object array or an {objects: []} wrapper.
func LoadTimelineFile(path string) ([]timeline.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading timeline file: %w", err)
	}

	var objects []timeline.Object
	if err := json.Unmarshal(data, &objects); err == nil {
		return objects, nil
	}

	var wrapped rundownFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshaling timeline file: %w", err)
	}
	return wrapped.Objects, nil
}

func (w *RundownWorker) Shutdown() {
	w.ticker.Stop()
}
