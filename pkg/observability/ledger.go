package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// ErrorCode returns the ledger error code of err, "INTERNAL" for untyped errors.
func ErrorCode(err error) string {
	if le, ok := contracts.AsLedgerError(err); ok {
		return le.Code
	}
	return "INTERNAL"
}

// RecordIngest counts inserted and skipped events for a source.
func (p *Provider) RecordIngest(ctx context.Context, source string, res contracts.IngestResult) {
	src := attribute.String("source", source)
	p.eventsCounter.Add(ctx, int64(res.Inserted), metric.WithAttributes(src, attribute.String("result", "inserted")))
	p.eventsCounter.Add(ctx, int64(res.Skipped), metric.WithAttributes(src, attribute.String("result", "skipped")))
}

// RecordTransition counts an epoch status change.
func (p *Provider) RecordTransition(ctx context.Context, scopeID string, from, to contracts.EpochStatus) {
	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope_id", scopeID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordFinalize records a finalize attempt's duration and outcome.
func (p *Provider) RecordFinalize(ctx context.Context, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = ErrorCode(err)
	}
	p.finalizeHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStepError counts a failed orchestrator step.
func (p *Provider) RecordStepError(ctx context.Context, step string, err error) {
	p.stepErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("error.code", ErrorCode(err)),
	))
}

// RecordStatement counts a stored statement; kind is "original" or "correction".
func (p *Provider) RecordStatement(ctx context.Context, kind string) {
	p.statementCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
