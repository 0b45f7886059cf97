package middleware

import "time"

// beat stamps the heartbeat with the current time and classifies the engine
// as offline when its last echo is older than the offline threshold.
func (m *MiddleWare) beat() {
	now := m.clock.Now()
	m.pair.Heartbeat.Issue(now.UnixNano())
	last := m.started
	if acked := m.pair.Heartbeat.Acked(); acked != 0 {
		if t := time.Unix(0, acked); t.After(last) {
			last = t
		}
	}
	offline := now.Sub(last) > m.offlineAfter
	if offline == m.offline {
		return
	}
	m.offline = offline
	if offline {
		m.logger.Warn("engine offline", "silent", now.Sub(last))
		m.alerts.AddAlert(Alert{Name: "offline", Priority: Warning, Message: "Audio engine is not running", Duration: time.Hour})
	} else {
		m.logger.Info("engine online")
		m.alerts.AddNamed("offline", "Audio engine is running again", Info)
	}
}

// Offline tells whether the engine has stopped echoing the heartbeat, as of
// the last Tick.
func (m *MiddleWare) Offline() bool { return m.offline }

// DrainOffline applies the pending inbound messages of an offline engine on
// the control goroutine and handles its replies. The caller must know that
// nothing renders from the host, for example because the audio device was
// closed; otherwise this would race with the audio goroutine. It reports
// whether the engine was offline.
func (m *MiddleWare) DrainOffline() bool {
	if !m.offline {
		return false
	}
	m.host.Engine().Drain()
	m.Tick()
	return true
}
