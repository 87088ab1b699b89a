package pathretentionmetrics

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

func TestRetentionMetrics_Adders(t *testing.T) {
	m := &RetentionMetrics{}
	m.AddArchivesDeleted(5)
	m.AddArchivesFailed(2)

	if got := m.ArchivesDeleted.Load(); got != 5 {
		t.Errorf("expected ArchivesDeleted to be 5, got %d", got)
	}
	if got := m.ArchivesFailed.Load(); got != 2 {
		t.Errorf("expected ArchivesFailed to be 2, got %d", got)
	}
}

func TestRetentionMetrics_Log(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &RetentionMetrics{}
	m.AddArchivesDeleted(10)
	m.AddArchivesFailed(3)
	m.LogSummary("Test Retention Summary")

	output := logBuf.String()
	for _, want := range []string{`msg="Test Retention Summary"`, "archives_deleted=10", "archives_failed=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %q. Got: %s", want, output)
		}
	}
}

func TestRetentionMetrics_StopProgressTwice(t *testing.T) {
	m := &RetentionMetrics{}
	m.StartProgress("progress", time.Hour)
	m.StopProgress()
	m.StopProgress()
}

func TestNoopMetrics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("NoopMetrics method panicked: %v", r)
		}
	}()

	m := &NoopMetrics{}
	m.AddArchivesDeleted(1)
	m.AddArchivesFailed(1)
	m.LogSummary("noop test")
	m.StartProgress("noop", 0)
	m.StopProgress()
}
