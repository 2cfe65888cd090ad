package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"copytrade-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. The default when no external
// sink (mail, webhook) is configured.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("⚠️ ALERT %s", message)
	return nil
}

// Monitor forwards guard trips, divergences and forced closes from the bus
// to the configured sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{}
	}

	watch := []events.Event{
		events.EventGuardTrip,
		events.EventDivergence,
		events.EventPositionClosed,
		events.EventAlert,
	}
	for _, e := range watch {
		stream, unsub := m.Bus.Subscribe(e, 50)
		go func(e events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					if err := m.Sink.Send(formatAlert(e, msg)); err != nil {
						log.Printf("❌ alert delivery failed: %v", err)
					}
				}
			}
		}(e, stream, unsub)
	}
}

func formatAlert(e events.Event, msg any) string {
	body := "triggered"
	switch t := msg.(type) {
	case string:
		body = t
	case fmt.Stringer:
		body = t.String()
	default:
		body = fmt.Sprintf("%+v", msg)
	}
	return fmt.Sprintf("[%s] %s: %s", time.Now().Format(time.RFC3339), e, body)
}
