package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Command outcomes recorded by CommandMetrics.
const (
	OutcomeAttachment = "attachment"
	OutcomeLink       = "link"
	OutcomeText       = "text"
	OutcomeMiss       = "miss"
	OutcomeError      = "error"
)

// CommandMetrics counts handled chat commands by command and outcome.
type CommandMetrics struct {
	Handled *prometheus.CounterVec
}

// NewCommandMetrics creates and registers command collectors.
func NewCommandMetrics(registry prometheus.Registerer) (*CommandMetrics, error) {
	m := &CommandMetrics{
		Handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smeargle_commands_total",
			Help: "Total number of handled chat commands by command kind and outcome.",
		}, []string{"command", "outcome"}),
	}
	if registry != nil {
		if err := registry.Register(m.Handled); err != nil {
			return nil, fmt.Errorf("register command metrics: %w", err)
		}
	}

	return m, nil
}

// Observe counts one handled command.
func (m *CommandMetrics) Observe(command, outcome string) {
	if m == nil {
		return
	}
	m.Handled.WithLabelValues(command, outcome).Inc()
}
