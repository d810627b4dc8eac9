package mpptdbg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 3 * time.Second

// Anything that can run one command/response transaction. *Console is the
// production implementation.
type Requester interface {
	SendAndReceive(label string) (Exchange, error)
}

type pollUnit struct {
	ctx      context.Context
	interval atomic.Int64 // time.Duration
}

// Periodically interrogates the board for one variable per goroutine.
//
// Cancellation is cooperative: Stop clears the tracker's monitor flag and the
// goroutine notices on its next wake, so a stop takes effect within one
// interval. A transaction already in flight is never interrupted.
//
// There is at most one registered unit per label. A unit only removes itself from
// the registry while holding the mutex, and Start checks the registry under
// the same mutex, so a Start racing with a unit that is about to exit either
// reuses the unit (which then sees the flag set again) or spawns a new one
// after the old one is gone. A unit whose context is done is never reused: it
// is replaced, and the replaced unit exits without touching the flag.
type Poller struct {
	requester Requester
	store     *TrackerStore

	mutex sync.Mutex
	units map[string]*pollUnit
	wg    sync.WaitGroup

	logger logrus.FieldLogger
}

func NewPoller(requester Requester, store *TrackerStore) *Poller {
	return &Poller{
		requester: requester,
		store:     store,
		units:     make(map[string]*pollUnit),
		logger:    logrus.WithField("tag", "Poller"),
	}
}

// Starts polling label every interval. Starting a label that is already being
// polled only updates the interval, which takes effect after the current
// sleep.
func (p *Poller) Start(ctx context.Context, label string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", interval)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.store.SetMonitorActive(label, true); err != nil {
		return err
	}

	logger := p.logger.WithFields(logrus.Fields{
		"label":    label,
		"interval": interval,
	})

	if unit, running := p.units[label]; running && unit.ctx.Err() == nil {
		unit.interval.Store(int64(interval))
		logger.Info("poll already running, reusing it")
		return nil
	}

	unit := &pollUnit{ctx: ctx}
	unit.interval.Store(int64(interval))
	p.units[label] = unit

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, label, unit)
	}()

	logger.Info("started polling")
	return nil
}

// Requests the poll loop for label to stop. Returns immediately; the loop
// exits within one interval.
func (p *Poller) Stop(label string) error {
	if err := p.store.SetMonitorActive(label, false); err != nil {
		return err
	}

	p.logger.WithField("label", label).Info("stop requested")
	return nil
}

// Whether a goroutine for label is still alive. It may be alive but already
// stopped, waiting for its next wake to notice.
func (p *Poller) Running(label string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_, running := p.units[label]
	return running
}

// Blocks until every poll goroutine has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, label string, unit *pollUnit) {
	logger := p.logger.WithField("label", label)
	numRequests := 0

	defer func() {
		logger.WithField("numRequests", numRequests).Info("poll loop ended")
	}()

	for {
		timer := time.NewTimer(time.Duration(unit.interval.Load()))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.exit(label, unit)
			return
		case <-timer.C:
		}

		if !p.continuePolling(label, unit) {
			return
		}

		numRequests++
		exchange, err := p.requester.SendAndReceive(label)
		if err != nil {
			logger.WithError(err).Warn("poll request failed")
			continue
		}

		if exchange.TrackErr != nil {
			logger.WithError(exchange.TrackErr).Debug("poll response not tracked")
		}
	}
}

// Checks the monitor flag and, if it is cleared, deregisters the unit under
// the same lock Start uses. A replaced unit stops without deregistering.
func (p *Poller) continuePolling(label string, unit *pollUnit) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.units[label] != unit {
		return false
	}

	if p.store.MonitorActive(label) {
		return true
	}

	p.deregister(label, unit)
	return false
}

// Called when the context is cancelled. The flag is cleared so a later Start
// does not find a stale monitor flag, unless a newer unit already owns it.
func (p *Poller) exit(label string, unit *pollUnit) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.units[label] != unit {
		return
	}

	p.store.SetMonitorActive(label, false)
	p.deregister(label, unit)
}

func (p *Poller) deregister(label string, unit *pollUnit) {
	if p.units[label] == unit {
		delete(p.units, label)
	}
}
