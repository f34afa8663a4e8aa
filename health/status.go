// Package health provides health status reporting for the motion service
// and its store backend.
package health

import (
	"context"
	"regexp"
	"time"
)

// Pre-compiled regexes for error message sanitization
var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex    = regexp.MustCompile(`nats://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Possible status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health state of a subsystem.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // healthy, degraded, unhealthy
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StatusHealthy }

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == StatusDegraded }

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// Healthy builds a healthy status for a subsystem.
func Healthy(component string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	}
}

// Unhealthy builds an unhealthy status carrying a sanitized error message.
func Unhealthy(component string, err error) Status {
	message := ""
	if err != nil {
		message = sanitizeErrorMessage(err.Error())
	}
	return Status{
		Component: component,
		Healthy:   false,
		Status:    StatusUnhealthy,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Check probes one subsystem.
type Check func(ctx context.Context) Status

// Aggregate combines sub-statuses into an overall status: unhealthy if any
// sub-status is unhealthy, degraded if any is degraded, healthy otherwise.
func Aggregate(component string, statuses []Status) Status {
	overall := Status{
		Component:   component,
		Healthy:     true,
		Status:      StatusHealthy,
		Timestamp:   time.Now().UTC(),
		SubStatuses: statuses,
	}

	for _, s := range statuses {
		if s.IsUnhealthy() {
			overall.Healthy = false
			overall.Status = StatusUnhealthy
			return overall
		}
		if s.IsDegraded() {
			overall.Status = StatusDegraded
		}
	}
	return overall
}

// sanitizeErrorMessage strips endpoints, paths, addresses, and credentials
// from error text before it leaves the process in a health response.
func sanitizeErrorMessage(msg string) string {
	msg = credentialRegex.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = httpURLRegex.ReplaceAllString(msg, "[URL]")
	msg = natsURLRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	return msg
}
