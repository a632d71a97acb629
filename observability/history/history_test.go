package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memoryRecorder struct {
	samples []Sample
}

func (m *memoryRecorder) RecordPool(sample Sample) error {
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memoryRecorder) Close() error { return nil }

func TestPoolPointCarriesFieldsAndTags(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	point := PoolPoint(Sample{At: at, Product: 0.5, Scale: 1, Epoch: 2, TotalDeposits: 1200}, map[string]string{"network": "testnet"})

	if point.Name() != measurement {
		t.Fatalf("unexpected measurement %q", point.Name())
	}
	if !point.Time().Equal(at) {
		t.Fatalf("unexpected time %v", point.Time())
	}
	fields := map[string]interface{}{}
	for _, field := range point.FieldList() {
		fields[field.Key] = field.Value
	}
	if fields["product"] != 0.5 || fields["epoch"] != int64(2) || fields["total_deposits"] != float64(1200) {
		t.Fatalf("unexpected fields %v", fields)
	}
	tags := point.TagList()
	if len(tags) != 1 || tags[0].Key != "network" || tags[0].Value != "testnet" {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestJobRunOnceRecordsSample(t *testing.T) {
	recorder := &memoryRecorder{}
	job, err := NewJob(context.Background(), "@every 1m", recorder, func(context.Context) (Sample, error) {
		return Sample{Product: 1, TotalDeposits: 10}, nil
	}, nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(recorder.samples) != 1 || recorder.samples[0].At.IsZero() {
		t.Fatalf("unexpected samples %+v", recorder.samples)
	}
}

func TestJobPropagatesSamplerErrors(t *testing.T) {
	boom := errors.New("state offline")
	job, err := NewJob(context.Background(), "*/5 * * * *", NewNoopRecorder(), func(context.Context) (Sample, error) {
		return Sample{}, boom
	}, nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected sampler error, got %v", err)
	}
}

func TestNewJobRejectsBadSpec(t *testing.T) {
	_, err := NewJob(context.Background(), "every minute", NewNoopRecorder(), func(context.Context) (Sample, error) {
		return Sample{}, nil
	}, nil)
	if err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}

func TestNewInfluxRecorderRequiresBucket(t *testing.T) {
	if _, err := NewInfluxRecorder(InfluxConfig{URL: "http://localhost:8086"}, nil); err == nil {
		t.Fatalf("expected missing bucket to fail")
	}
}
