package observer

import (
	"context"

	reploid "github.com/clocksmith/reploid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BindEventBus subscribes the instruments to the substrate's event bus
// so counters track the event stream without any component knowing about
// OTEL. Returns an unsubscribe function.
func BindEventBus(inst *Instruments, bus *reploid.EventBus) func() {
	ctx := context.Background()
	unsubs := []func(){
		bus.Subscribe(reploid.TopicAgentIteration, func(reploid.Event) {
			inst.LoopIterations.Add(ctx, 1)
		}),
		bus.Subscribe(reploid.TopicAgentTokens, func(ev reploid.Event) {
			if n, ok := ev.Payload["tokens"].(int); ok {
				inst.TokenUsage.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", "context")))
			}
		}),
		bus.Subscribe(reploid.TopicWorkerSpawned, func(reploid.Event) {
			inst.WorkerSpawns.Add(ctx, 1)
		}),
		bus.Subscribe("verification:*", func(ev reploid.Event) {
			inst.Verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", ev.Topic)))
		}),
		bus.Subscribe(reploid.TopicArenaComplete, func(reploid.Event) {
			inst.ArenaRuns.Add(ctx, 1)
		}),
		bus.Subscribe("memory:eviction:*", func(ev reploid.Event) {
			if ev.Topic == reploid.TopicMemoryEvictionDone {
				inst.MemoryEvictions.Add(ctx, 1)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
