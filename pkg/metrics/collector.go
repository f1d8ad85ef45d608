package metrics

import (
	"time"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

var knownStatuses = []types.Status{
	types.StatusCreated,
	types.StatusScheduled,
	types.StatusQueued,
	types.StatusRunning,
	types.StatusSuccess,
	types.StatusFailed,
	types.StatusAborted,
	types.StatusBroken,
	types.StatusRevoked,
	types.StatusLocked,
}

// Collector refreshes repository gauges and the database health component
type Collector struct {
	store    storage.Tx
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Tx, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if err := c.collectTaskMetrics(); err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("failed to collect task metrics")
		UpdateComponent(ComponentDatabase, false, err.Error())
		return
	}
	UpdateComponent(ComponentDatabase, true, "")
}

func (c *Collector) collectTaskMetrics() error {
	counts := make(map[types.Status]int, len(knownStatuses))
	for _, s := range knownStatuses {
		tasks, err := c.store.ListTasks(storage.TaskFilter{Statuses: []types.Status{s}})
		if err != nil {
			return err
		}
		counts[s] = len(tasks)
	}
	for s, n := range counts {
		TasksTotal.WithLabelValues(string(s)).Set(float64(n))
	}

	unfinished, err := c.store.RetrieveUnfinishedTasks()
	if err != nil {
		return err
	}
	concerns := map[types.ConcernType]int{types.ConcernLock: 0, types.ConcernFlag: 0}
	for _, task := range unfinished {
		held, err := c.store.ListTaskConcerns(task.ID)
		if err != nil {
			return err
		}
		for _, h := range held {
			concerns[h.Type]++
		}
	}
	for kind, n := range concerns {
		ConcernsTotal.WithLabelValues(string(kind)).Set(float64(n))
	}
	return nil
}
