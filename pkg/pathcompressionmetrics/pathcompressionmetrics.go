// Package pathcompressionmetrics counts what the native archiver reads and
// writes. Besides the end-of-run summary, the byte counters are the input of
// the measured progress source.
package pathcompressionmetrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// Metrics defines the interface for collecting archive statistics.
type Metrics interface {
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	AddEntriesProcessed(n int64)
	BytesRead() int64
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CompressionMetrics holds the atomic counters of one archive run.
// It is the concrete implementation of the Metrics interface.
type CompressionMetrics struct {
	OriginalBytes    atomic.Int64
	CompressedBytes  atomic.Int64
	EntriesProcessed atomic.Int64

	mu       sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
}

func (m *CompressionMetrics) AddBytesRead(n int64)        { m.OriginalBytes.Add(n) }
func (m *CompressionMetrics) AddBytesWritten(n int64)     { m.CompressedBytes.Add(n) }
func (m *CompressionMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }
func (m *CompressionMetrics) BytesRead() int64            { return m.OriginalBytes.Load() }

// StartProgress logs a summary every interval until StopProgress is called.
func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
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

// StopProgress stops the ticker started by StartProgress and waits for the
// logging goroutine to exit.
func (m *CompressionMetrics) StopProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		close(m.stopChan)
		<-m.doneChan
		m.stopChan, m.doneChan = nil, nil
	}
}

// LogSummary logs the current state of the metrics.
func (m *CompressionMetrics) LogSummary(msg string) {
	orig := m.OriginalBytes.Load()
	comp := m.CompressedBytes.Load()

	var ratio float64
	if orig > 0 {
		ratio = float64(comp) / float64(orig) * 100.0
	}

	plog.Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"original_bytes", orig,
		"compressed_bytes", comp,
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) BytesRead() int64                                 { return 0 }
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
