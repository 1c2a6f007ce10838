package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Task is a periodic background job.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Manager runs maintenance tasks on tickers until stopped.
type Manager struct {
	tasks   []Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager ignores tasks without a positive interval.
func NewManager(tasks ...Task) *Manager {
	m := &Manager{}
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			log.Infof("[Jobs Manager] Task %q disabled", t.Name)
			continue
		}
		m.tasks = append(m.tasks, t)
	}
	return m
}

// Start launches one worker per task.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Fresh context per start cycle so the manager can be restarted.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	log.Infof("[Jobs Manager] Starting %d background tasks", len(m.tasks))

	for _, t := range m.tasks {
		m.wg.Add(1)
		go m.worker(m.ctx, t)
	}
}

// Stop cancels running tasks and waits for the workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Jobs Manager] Stopping background tasks...")
	m.cancel()
	m.running = false
	m.wg.Wait()
	log.Info("[Jobs Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce executes the named task synchronously.
func (m *Manager) RunOnce(ctx context.Context, name string) error {
	for _, t := range m.tasks {
		if t.Name == name {
			return runTask(ctx, t)
		}
	}
	return fmt.Errorf("unknown task %q", name)
}

func (m *Manager) worker(ctx context.Context, t Task) {
	defer m.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	log.Infof("[Jobs Manager] Started %s worker (interval: %s)", t.Name, t.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Infof("[Jobs Manager] %s worker stopping", t.Name)
			return
		case <-ticker.C:
			if err := runTask(ctx, t); err != nil && ctx.Err() == nil {
				log.Errorf("[Jobs Manager] %s error: %v", t.Name, err)
			}
		}
	}
}

func runTask(ctx context.Context, t Task) error {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	return t.Run(ctx)
}
