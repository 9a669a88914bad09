// Package metrics counts reconciliation outcomes.
package metrics

import (
	"context"
	"sort"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-reconciler/internal/aws"
)

// Metric names
const (
	ReconcileOutcome  = "ReconcileOutcome"
	LatePayment       = "LatePaymentAfterExpiry"
	DuplicateDelivery = "DuplicateDelivery"
	SweepResult       = "SweepResult"
)

// Recorder increments a counter. Implementations must not block the caller on failure.
type Recorder interface {
	Incr(ctx context.Context, name string, dimensions map[string]string)
}

// Nop discards every metric.
type Nop struct{}

func (Nop) Incr(context.Context, string, map[string]string) {}

// DefaultPublishTimeout bounds each PutMetricData call made on a caller's path.
const DefaultPublishTimeout = time.Second

// CloudWatchRecorder publishes one datum per Incr. Failures, including timeouts, are
// logged and dropped.
type CloudWatchRecorder struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    *zap.Logger
	nowFunc   func() time.Time
	timeout   time.Duration
}

func NewCloudWatchRecorder(client aws.CloudWatchAPI, namespace string, logger *zap.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
		timeout:   DefaultPublishTimeout,
	}
}

func (r *CloudWatchRecorder) Incr(ctx context.Context, name string, dimensions map[string]string) {
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dims := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		if dimensions[k] == "" {
			continue
		}
		dims = append(dims, cwtypes.Dimension{Name: sdkaws.String(k), Value: sdkaws.String(dimensions[k])})
	}

	// Survives caller cancellation; bounded by r.timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: sdkaws.String(name),
			Dimensions: dims,
			Timestamp:  sdkaws.Time(r.nowFunc()),
			Unit:       cwtypes.StandardUnitCount,
			Value:      sdkaws.Float64(1),
		}},
	})
	if err != nil {
		r.logger.Warn("Failed to publish metric", zap.String("metric", name), zap.Error(err))
	}
}
