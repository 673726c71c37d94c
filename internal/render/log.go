package render

import (
	"cfspeed/internal/backend"
	"cfspeed/internal/stats"
	"cfspeed/internal/telemetry"
	logx "cfspeed/pkg/logx"
)

// LogSink writes notices to a logger and traces display updates. Used when
// nobody watches a terminal, e.g. under the daemon.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) LogSink { return LogSink{log: log} }

func (s LogSink) Results(rs []backend.ResultRecord) {
	s.log.Trace("results", logx.Int("count", len(rs)))
}

func (s LogSink) Display(d stats.Display) {
	s.log.Debug("progress",
		logx.String("progress", d.Progress),
		logx.String("avg", d.AvgSpeed),
		logx.Int("probed", d.TotalProbed),
		logx.Mbps("smoothed", d.SmoothedMbps),
		logx.String("status", d.Status),
	)
}

func (s LogSink) Chart([]telemetry.ChartPoint) {}

func (s LogSink) Notice(n Notice) {
	fields := []logx.Field{logx.Session(n.Session)}
	switch n.Level {
	case LevelError:
		s.log.Error(n.Message, fields...)
	case LevelWarn:
		s.log.Warn(n.Message, fields...)
	default:
		s.log.Info(n.Message, fields...)
	}
}
