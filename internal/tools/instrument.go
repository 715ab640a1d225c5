package tools

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
)

var tracer = otel.Tracer("github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools")

// instrumented adds tracing, invocation counting and bounded retries of
// connectivity failures to a capability.
type instrumented struct {
	Capability
	metrics    *metrics.Metrics
	maxRetries uint64
	delay      time.Duration
}

func (r *Registry) instrument(caps []Capability) []Capability {
	out := make([]Capability, len(caps))
	for i, c := range caps {
		out[i] = &instrumented{Capability: c, metrics: r.metrics, maxRetries: r.maxRetries, delay: r.retryDelay}
	}
	return out
}

func (t *instrumented) Invoke(ctx context.Context, q Query) (*Result, error) {
	desc := t.Describe()
	ctx, span := tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", desc.Name),
		attribute.String("tool.kind", string(desc.Kind)),
	))
	defer span.End()

	var res *Result
	op := func() error {
		var err error
		res, err = t.Capability.Invoke(ctx, q)
		var conn *ConnectivityError
		if err != nil && !errors.As(err, &conn) {
			return backoff.Permanent(err)
		}
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = t.delay
	expo.MaxElapsedTime = 0
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(expo, t.maxRetries), ctx),
		func(err error, wait time.Duration) {
			span.AddEvent("retry", trace.WithAttributes(attribute.String("error", err.Error())))
		})

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res != nil && res.IsError:
		outcome = "tool_error"
	}
	if t.metrics != nil {
		t.metrics.ToolInvocations.WithLabelValues(string(desc.Kind), outcome).Inc()
	}
	return res, err
}
