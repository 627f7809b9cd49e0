package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead      = 2 * time.Second // announce a run this long before it starts
	preCheckMaxTimes = 3
	preCheckInterval = time.Second
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs a task on a cron schedule. Lead before each run it passes
// the run time to OnUpcoming. At the run time PreCheck must pass, it is
// retried a few times before the run is given up.
type Scheduler struct {
	Task       TaskFunc
	PreCheck   TaskFunc
	OnUpcoming NotifyFunc
	OnError    NotifyFunc
	Lead       time.Duration

	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	// wake makes the loop re-read the schedule after a change.
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		Task:       task,
		PreCheck:   preCheck,
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Lead:       defaultLead,
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Validate parses cronExpr without scheduling it. An empty expression is valid.
func (s *Scheduler) Validate(cronExpr string) error {
	_, err := s.parse(cronExpr)
	return err
}

func (s *Scheduler) parse(cronExpr string) (cron.Schedule, error) {
	if cronExpr == "" {
		return nil, nil
	}
	return s.parser.Parse(cronExpr)
}

// Schedule replaces the schedule. An empty expression disables scheduling.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := s.parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.expr = cronExpr
	s.schedule = sh
	s.nextRun = time.Time{}
	if sh != nil {
		s.nextRun = sh.Next(time.Now())
	}
	s.mu.Unlock()

	s.poke()
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	s.mu.Unlock()

	s.poke()
	return nil
}

// Status returns the next run time, zero when disabled, and whether the
// loop is running.
func (s *Scheduler) Status() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextRun, s.running
}

// Expression returns the active cron expression.
func (s *Scheduler) Expression() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.expr
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	go s.loop()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	logrus.Debug("scheduler started")
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		at, _ := s.Status()
		if at.IsZero() {
			select {
			case <-s.wake:
			case <-s.stop:
			}
			continue
		}

		if !s.sleepUntil(at.Add(-s.Lead)) {
			continue
		}
		logrus.Debugf("upcoming scheduled task at %s", at.Format(time.DateTime))
		s.notify(s.OnUpcoming, at)

		if !s.sleepUntil(at) {
			continue
		}
		s.fire(at)
	}
}

// sleepUntil returns true once t is reached, and false early when the
// schedule changed or the scheduler stopped.
func (s *Scheduler) sleepUntil(t time.Time) bool {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.wake:
		return false
	case <-s.stop:
		return false
	}
}

// fire runs the task for the run at, after PreCheck passes. Repeated
// identical PreCheck errors are reported once.
func (s *Scheduler) fire(at time.Time) {
	var last error
	for attempt := 1; s.PreCheck != nil; attempt++ {
		err := s.PreCheck()
		if err == nil {
			break
		}
		if last == nil || err.Error() != last.Error() {
			s.notify(s.OnError, fmt.Errorf("precheck failed: %w", err))
		}
		last = err

		if attempt > preCheckMaxTimes {
			logrus.Debugf("giving up scheduled task at %s: %v", at.Format(time.DateTime), err)
			s.advanceNextRun()
			return
		}
		logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempt, preCheckMaxTimes, err, preCheckInterval)
		if !s.sleepUntil(time.Now().Add(preCheckInterval)) {
			return
		}
	}

	logrus.Debugf("running scheduled task at %s", at.Format(time.DateTime))
	s.advanceNextRun()
	go func() {
		if err := s.Task(); err != nil {
			s.notify(s.OnError, fmt.Errorf("task failed: %w", err))
		}
	}()
}

// advanceNextRun moves to the next run after now, so runs missed while the
// host was suspended are not replayed back to back.
func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil {
		return
	}
	from := s.nextRun
	if now := time.Now(); now.After(from) {
		from = now
	}
	s.nextRun = s.schedule.Next(from)
}

func (s *Scheduler) notify(fn NotifyFunc, data any) {
	if fn != nil {
		go fn(data)
	}
}
