package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Purger drops state that became stale before the given instant and
// reports how many entries it removed.
type Purger interface {
	PurgeClosed(before time.Time) int
}

// CleanupService periodically purges closed tracking sessions once their
// retention window has passed.
type CleanupService struct {
	target    Purger
	interval  time.Duration
	retention time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewCleanupService(target Purger, interval, retention time.Duration, log logrus.FieldLogger) *CleanupService {
	return &CleanupService{
		target:    target,
		interval:  interval,
		retention: retention,
		log:       log.WithField("component", "cleanup"),
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *CleanupService) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval":  s.interval,
		"retention": s.retention,
	}).Info("starting closed session cleanup")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-ctx.Done():
			s.log.Info("stopping closed session cleanup")
			return nil
		}
	}
}

// RunOnce performs a single purge pass.
func (s *CleanupService) RunOnce() int {
	count := s.target.PurgeClosed(s.now().Add(-s.retention))
	if count > 0 {
		s.log.WithField("count", count).Info("purged closed tracking sessions")
	}
	return count
}
