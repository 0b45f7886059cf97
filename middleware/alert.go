package middleware

import (
	"time"
)

type (
	// Alert is a message for the operator: a failed load, a faulted part, an
	// engine that went offline. Alerts with the same non-empty Name replace
	// each other.
	Alert struct {
		Name     string
		Priority AlertPriority
		Message  string
		Duration time.Duration
		time     time.Time
	}

	AlertPriority int

	// Alerts keeps the alerts that have not expired yet, highest priority
	// first.
	Alerts struct {
		list  []Alert
		clock Clock
	}
)

const (
	Info AlertPriority = iota
	Warning
	Error
)

const defaultAlertDuration = 3 * time.Second

func (p AlertPriority) String() string {
	switch p {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (a *Alerts) Add(message string, priority AlertPriority) {
	a.AddAlert(Alert{Priority: priority, Message: message, Duration: defaultAlertDuration})
}

func (a *Alerts) AddNamed(name, message string, priority AlertPriority) {
	a.AddAlert(Alert{Name: name, Priority: priority, Message: message, Duration: defaultAlertDuration})
}

func (a *Alerts) AddAlert(alert Alert) {
	alert.time = a.clock.Now()
	if alert.Name != "" {
		for i := range a.list {
			if a.list[i].Name == alert.Name {
				a.list = append(a.list[:i], a.list[i+1:]...)
				break
			}
		}
	}
	i := 0
	for i < len(a.list) && a.list[i].Priority >= alert.Priority {
		i++
	}
	a.list = append(a.list, Alert{})
	copy(a.list[i+1:], a.list[i:])
	a.list[i] = alert
}

// Active drops the expired alerts and returns the rest.
func (a *Alerts) Active() []Alert {
	now := a.clock.Now()
	k := 0
	for _, alert := range a.list {
		if now.Sub(alert.time) < alert.Duration {
			a.list[k] = alert
			k++
		}
	}
	a.list = a.list[:k]
	return a.list
}
