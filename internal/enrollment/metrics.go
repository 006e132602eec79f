package enrollment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gym_enrollment_operations_total",
		Help: "Enroll and unenroll attempts by outcome.",
	}, []string{"operation", "outcome"})

	advisoryRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gym_enrollment_advisory_rejections_total",
		Help: "Enroll attempts rejected by the cache pre-check before any transaction.",
	})

	slotFreedNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gym_enrollment_slot_freed_notifications_total",
		Help: "Slot freed notifications handed to the dispatcher by result.",
	}, []string{"result"})
)

func observeOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = ErrorKind(err)
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}
