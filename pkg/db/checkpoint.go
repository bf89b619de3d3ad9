// ABOUTME: Background checkpointing for long-lived handles
// ABOUTME: Periodically syncs the data file and retires obsolete WAL segments

package db

import (
	"time"
)

const (
	// DefaultCheckpointInterval is how often the background
	// checkpointer runs
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpointer periodically checkpoints a database so WAL segments do
// not accumulate between commits
type Checkpointer struct {
	db       *DB
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer for db
func NewCheckpointer(db *DB) *Checkpointer {
	return &Checkpointer{
		db:       db,
		interval: DefaultCheckpointInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetInterval changes the checkpoint interval; call before Start
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}

// Start launches the background checkpointing loop
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop halts the loop and waits for it to finish
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.db.Checkpoint(); err != nil {
				c.db.log.Warn("background checkpoint failed").Err(err).Msg("")
			}
		case <-c.stopCh:
			return
		}
	}
}
