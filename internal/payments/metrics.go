package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_attempts_initiated_total",
		Help: "Payment attempts opened, by method.",
	}, []string{"method"})

	initiationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_initiation_failures_total",
		Help: "Adapter initiation calls that failed, by method.",
	}, []string{"method"})

	terminalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_terminal_transitions_total",
		Help: "Attempts moved to a terminal status, by method and status.",
	}, []string{"method", "status"})

	notificationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_notifications_rejected_total",
		Help: "Provider notifications that failed verification, by method.",
	}, []string{"method"})
)
