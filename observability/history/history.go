// Package history records periodic stability pool snapshots to a time-series
// backend so operators can chart P, the epoch/scale counters and the pool
// totals over time.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/robfig/cron/v3"
)

const measurement = "stability_pool"

// Sample is one observation of the global accumulator. Amounts are converted
// to whole-token floats; the ledger itself never reads them back.
type Sample struct {
	At              time.Time
	Product         float64
	Scale           uint64
	Epoch           uint64
	TotalDeposits   float64
	TotalCollateral float64
	TokenIssued     float64
	LossError       float64
}

// Recorder persists samples.
type Recorder interface {
	RecordPool(sample Sample) error
	Close() error
}

// NoopRecorder is used when no time-series backend is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (NoopRecorder) RecordPool(Sample) error { return nil }
func (NoopRecorder) Close() error            { return nil }

// InfluxConfig points the recorder at an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Tags   map[string]string
}

// InfluxRecorder writes samples through the non-blocking InfluxDB write API.
// Asynchronous write failures are logged as they surface.
type InfluxRecorder struct {
	client influxdb2.Client
	writer api.WriteAPI
	tags   map[string]string
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewInfluxRecorder connects to the configured server. The connection is lazy:
// errors surface on the first flush.
func NewInfluxRecorder(cfg InfluxConfig, logger *slog.Logger) (*InfluxRecorder, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("history: influx url and bucket required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	rec := &InfluxRecorder{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		tags:   cfg.Tags,
		done:   make(chan struct{}),
	}
	errs := rec.writer.Errors()
	rec.wg.Add(1)
	go func() {
		defer rec.wg.Done()
		for {
			select {
			case err, ok := <-errs:
				if !ok {
					return
				}
				logger.Warn("history write failed", slog.Any("error", err))
			case <-rec.done:
				return
			}
		}
	}()
	return rec, nil
}

// PoolPoint renders a sample as an InfluxDB point.
func PoolPoint(sample Sample, tags map[string]string) *write.Point {
	pointTags := make(map[string]string, len(tags))
	for k, v := range tags {
		pointTags[k] = v
	}
	fields := map[string]interface{}{
		"product":          sample.Product,
		"scale":            int64(sample.Scale),
		"epoch":            int64(sample.Epoch),
		"total_deposits":   sample.TotalDeposits,
		"total_collateral": sample.TotalCollateral,
		"token_issued":     sample.TokenIssued,
		"loss_error":       sample.LossError,
	}
	return write.NewPoint(measurement, pointTags, fields, sample.At)
}

func (r *InfluxRecorder) RecordPool(sample Sample) error {
	r.writer.WritePoint(PoolPoint(sample, r.tags))
	return nil
}

// Close flushes buffered points and releases the client.
func (r *InfluxRecorder) Close() error {
	r.writer.Flush()
	close(r.done)
	r.wg.Wait()
	r.client.Close()
	return nil
}

// SampleFunc captures the current pool state.
type SampleFunc func(ctx context.Context) (Sample, error)

// Job samples the pool on a cron schedule.
type Job struct {
	cron     *cron.Cron
	recorder Recorder
	sample   SampleFunc
	logger   *slog.Logger
	ctx      context.Context
}

// NewJob validates spec (standard five-field cron syntax or a descriptor such
// as "@every 1m") and registers the sampling task.
func NewJob(ctx context.Context, spec string, recorder Recorder, sample SampleFunc, logger *slog.Logger) (*Job, error) {
	if recorder == nil || sample == nil {
		return nil, fmt.Errorf("history: recorder and sampler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	job := &Job{
		cron:     cron.New(),
		recorder: recorder,
		sample:   sample,
		logger:   logger,
		ctx:      ctx,
	}
	if _, err := job.cron.AddFunc(spec, job.tick); err != nil {
		return nil, fmt.Errorf("history: schedule %q: %w", spec, err)
	}
	return job, nil
}

func (j *Job) tick() {
	if err := j.RunOnce(j.ctx); err != nil {
		j.logger.Warn("pool snapshot failed", slog.Any("error", err))
	}
}

// RunOnce takes and records a single sample.
func (j *Job) RunOnce(ctx context.Context) error {
	sample, err := j.sample(ctx)
	if err != nil {
		return fmt.Errorf("sample pool: %w", err)
	}
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}
	return j.recorder.RecordPool(sample)
}

func (j *Job) Start() {
	j.cron.Start()
	j.logger.Info("pool history job started")
}

// Stop waits for a running sample to finish.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("pool history job stopped")
}
