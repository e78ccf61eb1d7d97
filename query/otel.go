package query

import (
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("@agentuity/go-query/query")

// fetch reasons, recorded on spans and in logs
const (
	reasonMiss       = "miss"
	reasonStale      = "stale"
	reasonInvalidate = "invalidate"
	reasonSweep      = "sweep"
)
