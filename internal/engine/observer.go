package engine

import (
	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// ConnectionObserver переводит события оркестратора в метрики и аудит.
type ConnectionObserver struct {
	metrics *Metrics
	auditor audit.Auditor
}

func NewConnectionObserver(m *Metrics, a audit.Auditor) *ConnectionObserver {
	return &ConnectionObserver{metrics: m, auditor: a}
}

func (o *ConnectionObserver) ConnectionsChanged(extensions, dashboards int) {
	o.metrics.ActiveConnections.WithLabelValues("extension").Set(float64(extensions))
	o.metrics.ActiveConnections.WithLabelValues("dashboard").Set(float64(dashboards))
}

func (o *ConnectionObserver) CommandSent(userID string, cmd domain.Command, delivered int) {
	o.auditor.Log(audit.Event{
		Kind:       audit.KindDispatch,
		UserID:     userID,
		AgentID:    cmd.AgentID,
		RequestID:  cmd.RequestID,
		Capability: cmd.Capability,
		Status:     "sent",
		Payload:    map[string]interface{}{"delivered": delivered, "expiry": cmd.ExpiresAt},
	})
}

func (o *ConnectionObserver) ResultStored(userID string, res domain.CommandResult) {
	o.metrics.CommandResults.WithLabelValues(string(res.Status)).Inc()
	o.auditor.Log(audit.Event{
		Kind:      audit.KindResult,
		UserID:    userID,
		RequestID: res.RequestID,
		Status:    string(res.Status),
		Error:     res.Error,
		Timestamp: res.Timestamp,
	})
}

func (o *ConnectionObserver) Telemetry(_ string, kind string) {
	o.metrics.TelemetryMessages.WithLabelValues(kind).Inc()
}
