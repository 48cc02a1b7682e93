package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_otp_requests_total",
			Help: "OTP request attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	OTPVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_otp_verifications_total",
			Help: "OTP verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	QRTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_qr_transitions_total",
			Help: "Applied QR status transitions by target status",
		},
		[]string{"status"},
	)

	AuditSinkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_audit_sink_failures_total",
			Help: "Audit writes that failed, by sink",
		},
		[]string{"sink"},
	)

	ClaimRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_claim_rollbacks_total",
			Help: "Claims tickets rolled back after a failed step",
		},
	)

	NotificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_notification_failures_total",
			Help: "Failed outbound notifications by kind",
		},
		[]string{"kind"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OTPRequestsTotal,
			OTPVerificationsTotal,
			QRTransitionsTotal,
			AuditSinkFailuresTotal,
			ClaimRollbacksTotal,
			NotificationFailuresTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
