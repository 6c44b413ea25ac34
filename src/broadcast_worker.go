package main

import (
	"context"

	"github.com/sirupsen/logrus"
)

// snapshotSubscriber is a downstream worker fed by broadcastWorker
type snapshotSubscriber struct {
	name    string
	ch      chan<- Snapshot
	dropped int
}

func newSnapshotSubscriber(name string, ch chan<- Snapshot) *snapshotSubscriber {
	return &snapshotSubscriber{name: name, ch: ch}
}

// offer hands snap to the subscriber without blocking, counting it as dropped when the
// subscriber is behind
func (s *snapshotSubscriber) offer(snap Snapshot) bool {
	select {
	case s.ch <- snap:
		if s.dropped > 0 {
			logrus.WithFields(logrus.Fields{"worker": s.name, "dropped": s.dropped}).Info("worker caught up")
			s.dropped = 0
		}
		return true
	default:
	}

	s.dropped++
	log := logrus.WithFields(logrus.Fields{"worker": s.name, "dropped": s.dropped})
	if s.dropped == 1 || s.dropped%100 == 0 {
		log.Warn("worker is behind, dropping snapshots")
	} else {
		log.Debug("dropping snapshot")
	}
	return false
}

// broadcastWorker copies every snapshot from the display loop to each subscriber.
// A slow subscriber only loses its own snapshots.
func broadcastWorker(ctx context.Context, snapshots <-chan Snapshot, subscribers []*snapshotSubscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			for _, sub := range subscribers {
				sub.offer(snap)
			}
		}
	}
}
