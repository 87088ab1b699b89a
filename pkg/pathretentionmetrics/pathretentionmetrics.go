package pathretentionmetrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// Metrics defines the interface for collecting and reporting retention statistics.
type Metrics interface {
	AddArchivesDeleted(n int64)
	AddArchivesFailed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RetentionMetrics counts the archives handled by one retention pass.
type RetentionMetrics struct {
	ArchivesDeleted atomic.Int64
	ArchivesFailed  atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
}

func (m *RetentionMetrics) AddArchivesDeleted(n int64) { m.ArchivesDeleted.Add(n) }
func (m *RetentionMetrics) AddArchivesFailed(n int64)  { m.ArchivesFailed.Add(n) }

// StartProgress logs the counters every interval until StopProgress is called.
func (m *RetentionMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *RetentionMetrics) StopProgress() {
	m.stopOnce.Do(func() {
		if m.stopChan != nil {
			close(m.stopChan)
		}
	})
}

func (m *RetentionMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"archives_deleted", m.ArchivesDeleted.Load(),
		"archives_failed", m.ArchivesFailed.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddArchivesDeleted(n int64)                       {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RetentionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
