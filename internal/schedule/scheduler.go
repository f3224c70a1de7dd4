// Package schedule runs jobs at wall-clock times, such as the nightly
// forecast backfill.
package schedule

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrStopped = errors.New("scheduler is stopped")

// Task is a job scheduled for a single run
type Task struct {
	ID    string
	RunAt time.Time
	Run   func()
	index int // index in the heap
}

// taskHeap is a min-heap of tasks ordered by RunAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// Scheduler runs tasks at their time from a single timer loop. Tasks with
// the same ID replace each other.
type Scheduler struct {
	heap    taskHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	tasks   map[string]*Task
	running sync.WaitGroup
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New() *Scheduler {
	s := &Scheduler{
		heap:   make(taskHeap, 0),
		wakeup: make(chan struct{}, 1),
		tasks:  make(map[string]*Task),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop prevents further runs and waits for running tasks to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.done
	}
	s.running.Wait()
}

// Schedule adds a task, replacing any pending task with the same ID
func (s *Scheduler) Schedule(id string, runAt time.Time, run func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.tasks, id)
	}

	task := &Task{ID: id, RunAt: runAt, Run: run}
	heap.Push(&s.heap, task)
	s.tasks[id] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending task
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

// Pending returns the number of scheduled tasks
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		wait := 24 * time.Hour
		if s.heap.Len() > 0 {
			wait = time.Until(s.heap[0].RunAt)
			if wait <= 0 {
				task := heap.Pop(&s.heap).(*Task)
				delete(s.tasks, task.ID)
				s.running.Add(1)
				go func() {
					defer s.running.Done()
					task.Run()
				}()
				s.mu.Unlock()
				continue
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// NextDailyRun returns the next time of day ("HH:MM") strictly after now,
// in now's location
func NextDailyRun(now time.Time, timeOfDay string) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid time format: %s (expected HH:MM)", timeOfDay)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid time of day: %s", timeOfDay)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// Daily runs job every day at timeOfDay until the scheduler stops. The next
// run is scheduled once the current one returns.
func (s *Scheduler) Daily(id, timeOfDay string, job func()) (time.Time, error) {
	first, err := NextDailyRun(time.Now(), timeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	var runAndReschedule func()
	runAndReschedule = func() {
		job()
		next, err := NextDailyRun(time.Now(), timeOfDay)
		if err != nil {
			return
		}
		_ = s.Schedule(id, next, runAndReschedule)
	}

	if err := s.Schedule(id, first, runAndReschedule); err != nil {
		return time.Time{}, err
	}
	return first, nil
}
