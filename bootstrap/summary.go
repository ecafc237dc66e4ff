package bootstrap

import (
	"sort"
	"strings"
	"time"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

// InfrastructureInfo describes one backing service the app connected to.
type InfrastructureInfo struct {
	Name    string
	Type    string // e.g. "database", "storage", "kafka", "redis"
	Details string
}

// Summary records what the app wired at startup.
type Summary struct {
	serviceName     string
	version         string
	startupDuration time.Duration
	infrastructure  []InfrastructureInfo
	schedules       []string
}

// NewSummary creates an empty summary.
func NewSummary(serviceName, version string) *Summary {
	return &Summary{serviceName: serviceName, version: version}
}

// SetStartupDuration records the total startup time.
func (s *Summary) SetStartupDuration(d time.Duration) {
	s.startupDuration = d
}

// TrackInfrastructure adds a backing service.
func (s *Summary) TrackInfrastructure(name, componentType, details string) {
	s.infrastructure = append(s.infrastructure, InfrastructureInfo{Name: name, Type: componentType, Details: details})
}

// TrackSchedule adds a registered cron schedule.
func (s *Summary) TrackSchedule(name, cronExpr string) {
	s.schedules = append(s.schedules, name+" ("+cronExpr+")")
}

// Infrastructure returns the tracked services sorted by name.
func (s *Summary) Infrastructure() []InfrastructureInfo {
	out := append([]InfrastructureInfo(nil), s.infrastructure...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Display logs the summary, one line per component.
func (s *Summary) Display(log *logger.Logger, health *observability.ServiceHealth) {
	status := map[string]observability.Health{}
	if health != nil {
		for _, h := range health.Components {
			status[h.Name] = h
		}
	}

	for _, info := range s.Infrastructure() {
		fields := logger.Fields(
			logger.FieldComponent, info.Name,
			"type", info.Type,
			"details", info.Details,
		)
		if h, ok := status[info.Name]; ok {
			fields[logger.FieldStatus] = string(h.Status)
			fields["latency_ms"] = h.Latency.Milliseconds()
			if h.Message != "" {
				fields["message"] = h.Message
			}
		}
		log.Info("infrastructure", fields)
	}

	fields := logger.Fields(
		"name", s.serviceName,
		"version", s.version,
		"startup_ms", s.startupDuration.Milliseconds(),
		"components", len(s.infrastructure),
	)
	if len(s.schedules) > 0 {
		fields["schedules"] = strings.Join(s.schedules, ", ")
	}
	if health != nil {
		fields[logger.FieldStatus] = string(health.Status)
	}
	log.Info("startup complete", fields)
}
