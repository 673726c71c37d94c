package render

import (
	"cfspeed/internal/backend"
	"cfspeed/internal/eventbus"
	"cfspeed/internal/stats"
	"cfspeed/internal/telemetry"
)

// Event types published by BusSink.
const (
	EventResults = "render.results"
	EventDisplay = "render.display"
	EventChart   = "render.chart"
	EventNotice  = "render.notice"
)

// BusSink publishes every render call as an event.
type BusSink struct {
	bus eventbus.Bus
}

func NewBusSink(bus eventbus.Bus) *BusSink { return &BusSink{bus: bus} }

func (b *BusSink) Results(rs []backend.ResultRecord) {
	b.bus.Publish(eventbus.Event{Type: EventResults, Data: rs})
}

func (b *BusSink) Display(d stats.Display) {
	b.bus.Publish(eventbus.Event{Type: EventDisplay, Data: d})
}

func (b *BusSink) Chart(points []telemetry.ChartPoint) {
	b.bus.Publish(eventbus.Event{Type: EventChart, Data: points})
}

func (b *BusSink) Notice(n Notice) {
	b.bus.Publish(eventbus.Event{Type: EventNotice, Time: n.At, Data: n})
}
