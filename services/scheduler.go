// services/scheduler.go
package services

import (
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartMaintenance runs periodic housekeeping: expired verifications are
// purged lazily on every read path, but a background sweep keeps the table
// small even when the service sits idle.
func (s *VerifyService) StartMaintenance() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			s.PurgeExpired()
		}),
	)
}
