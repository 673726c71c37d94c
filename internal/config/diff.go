package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cfspeed/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.base_url", strings.TrimSpace(newCfg.Backend.BaseURL)),
			logx.String("backend.request_timeout", strings.TrimSpace(newCfg.Backend.RequestTimeout)),
			logx.Int("backend.retry_attempts", newCfg.Backend.RetryAttempts),
		)
	}

	if oldCfg.Polling != newCfg.Polling {
		changed = append(changed, "polling")
		attrs = append(attrs,
			logx.String("polling.results_interval", newCfg.Polling.ResultsInterval),
			logx.String("polling.stats_interval", newCfg.Polling.StatsInterval),
			logx.String("polling.metrics_interval", newCfg.Polling.MetricsInterval),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.String("watchdog.timeout", newCfg.Watchdog.Timeout),
			logx.String("watchdog.stall_after", newCfg.Watchdog.StallAfter),
		)
	}

	if oldCfg.Chart != newCfg.Chart {
		changed = append(changed, "chart")
		attrs = append(attrs, logx.Int("chart.capacity", newCfg.Chart.Capacity))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	// Pointer sections: nil means "section omitted".
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics != nil && newCfg.Metrics.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		var spec string
		if newCfg.Schedule != nil {
			spec = strings.TrimSpace(newCfg.Schedule.Spec)
		}
		attrs = append(attrs, logx.String("schedule.spec", spec))
	}
	if !reflect.DeepEqual(oldCfg.Baseline, newCfg.Baseline) {
		changed = append(changed, "baseline")
	}

	sort.Strings(changed)
	return changed, attrs
}
