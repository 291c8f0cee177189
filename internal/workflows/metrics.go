package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/computor-org/computor-fullstack-sub002/internal/workflows"

// Metrics for reconcile and release workflows
var (
	runCounter           metric.Int64Counter
	releaseItemCounter   metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	// Finished runs by kind and status
	runCounter, err = meter.Int64Counter(
		"deploy.workflows.runs",
		metric.WithDescription("Number of finished workflow runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run counter: %v", err))
	}

	// Release items by outcome
	releaseItemCounter, err = meter.Int64Counter(
		"deploy.workflows.release.items",
		metric.WithDescription("Number of release items by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create release item counter: %v", err))
	}

	// Activity duration histogram
	activityDuration, err = meter.Float64Histogram(
		"deploy.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	// Activity error counter
	activityErrorCounter, err = meter.Int64Counter(
		"deploy.workflows.activity.errors",
		metric.WithDescription("Number of activity errors by application error type"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func typeAttr(typ string) metric.AddOption {
	return metric.WithAttributes(attribute.String("error.type", typ))
}

func init() {
	initMetrics()
}
