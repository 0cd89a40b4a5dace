package turn

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	instrumentsOnce sync.Once
	turns           metric.Int64Counter
	latency         metric.Float64Histogram
)

func initInstruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/voicebridge/turn")
		var err error
		turns, err = meter.Int64Counter("voicebridge.turns", metric.WithDescription("Completed voice turns by outcome"))
		if err != nil {
			turns = noop.Int64Counter{}
		}
		latency, err = meter.Float64Histogram("voicebridge.completion.latency",
			metric.WithDescription("Completion request latency"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			latency = noop.Float64Histogram{}
		}
	})
}

func turnCounter() metric.Int64Counter {
	initInstruments()
	return turns
}

func completionLatency() metric.Float64Histogram {
	initInstruments()
	return latency
}
