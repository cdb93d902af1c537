package client

import (
	"sync/atomic"
	"time"
)

// scheduler abstracts timer creation so reconnect scheduling is testable
// without sleeping.
type scheduler interface {
	AfterFunc(d time.Duration, f func()) timerHandle
}

type timerHandle interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

// statusValue holds a Status readable without the provider lock.
type statusValue struct {
	v atomic.Int32
}

func (s *statusValue) load() Status { return Status(s.v.Load()) }

func (s *statusValue) swap(st Status) Status { return Status(s.v.Swap(int32(st))) }
