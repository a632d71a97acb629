package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StabilityMetrics exposes the pool accumulator and operation counters.
type StabilityMetrics struct {
	operations   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	product      prometheus.Gauge
	scale        prometheus.Gauge
	epoch        prometheus.Gauge
	deposits     prometheus.Gauge
	collateral   prometheus.Gauge
	carryErrors  *prometheus.GaugeVec
	tokenIssued  prometheus.Gauge
	offsetVolume *prometheus.CounterVec
}

var (
	stabilityOnce     sync.Once
	stabilityRegistry *StabilityMetrics
)

func Stability() *StabilityMetrics {
	stabilityOnce.Do(func() {
		stabilityRegistry = &StabilityMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stability_pool_operations_total",
				Help: "Count of committed stability pool operations by kind.",
			}, []string{"operation"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stability_pool_rejections_total",
				Help: "Count of stability pool operations rejected before commit.",
			}, []string{"operation"}),
			product: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "stability_pool_product",
				Help: "Running product P expressed as a fraction of one.",
			}),
			scale: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "stability_pool_scale",
				Help: "Current scale of the running product.",
			}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "stability_pool_epoch",
				Help: "Current epoch of the running product.",
			}),
			deposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "stability_pool_total_deposits",
				Help: "Stable asset held by the pool.",
			}),
			collateral: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "stability_pool_total_collateral",
				Help: "Collateral held by the pool awaiting withdrawal.",
			}),
			carryErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stability_pool_carry_error",
				Help: "Rounding residue carried into the next computation, in base units.",
			}, []string{"kind"}),
			tokenIssued: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "stability_pool_token_issued",
				Help: "Cumulative reward tokens accounted for by the pool.",
			}),
			offsetVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stability_pool_offset_volume_total",
				Help: "Debt absorbed and collateral received through offsets.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			stabilityRegistry.operations,
			stabilityRegistry.rejections,
			stabilityRegistry.product,
			stabilityRegistry.scale,
			stabilityRegistry.epoch,
			stabilityRegistry.deposits,
			stabilityRegistry.collateral,
			stabilityRegistry.carryErrors,
			stabilityRegistry.tokenIssued,
			stabilityRegistry.offsetVolume,
		)
	})
	return stabilityRegistry
}

func (m *StabilityMetrics) ObserveOperation(op string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *StabilityMetrics) ObserveRejection(op string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(op)).Inc()
}

// PoolSnapshot carries the float renderings of the accumulator published as
// gauges.
type PoolSnapshot struct {
	Product         float64
	Scale           uint64
	Epoch           uint64
	TotalDeposits   float64
	TotalCollateral float64
	CollateralError float64
	LossError       float64
	TokenError      float64
	TokenIssued     float64
}

func (m *StabilityMetrics) SetPool(s PoolSnapshot) {
	if m == nil {
		return
	}
	m.product.Set(s.Product)
	m.scale.Set(float64(s.Scale))
	m.epoch.Set(float64(s.Epoch))
	m.deposits.Set(s.TotalDeposits)
	m.collateral.Set(s.TotalCollateral)
	m.carryErrors.WithLabelValues("collateral").Set(s.CollateralError)
	m.carryErrors.WithLabelValues("loss").Set(s.LossError)
	m.carryErrors.WithLabelValues("token").Set(s.TokenError)
	m.tokenIssued.Set(s.TokenIssued)
}

func (m *StabilityMetrics) ObserveOffset(debt, collateral float64) {
	if m == nil {
		return
	}
	m.offsetVolume.WithLabelValues("debt").Add(debt)
	m.offsetVolume.WithLabelValues("collateral").Add(collateral)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
