package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/pool"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// defaultBufferSizeKB is used when no buffer size is configured.
const defaultBufferSizeKB = 256

// NativeInvoker archives in-process with pgzip (tar.gz) or zstd (tar.zst).
type NativeInvoker struct {
	format       Format
	level        Level
	ioBufferPool *pool.FixedBufferPool
	logMetrics   bool
}

// NewNativeInvoker creates a NativeInvoker. When logMetrics is set, every run
// logs a periodic and a final byte/entry summary.
func NewNativeInvoker(format Format, level Level, bufferSizeKB int, logMetrics bool) *NativeInvoker {
	if format == "" {
		format = TarGz
	}
	if bufferSizeKB <= 0 {
		bufferSizeKB = defaultBufferSizeKB
	}
	return &NativeInvoker{
		format:       format,
		level:        level,
		ioBufferPool: pool.NewFixedBuffer(int64(bufferSizeKB) * 1024),
		logMetrics:   logMetrics,
	}
}

func (n *NativeInvoker) Start(ctx context.Context, paths preflight.ResolvedPaths, now time.Time) (*Handle, error) {
	outputFile, err := reserveArchiveFile(paths.Destination, now, n.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	h := newHandle(outputFile)
	m := &pathcompressionmetrics.CompressionMetrics{}
	h.metrics = m

	run := &nativeRun{
		NativeInvoker: n,
		ctx:           ctx,
		src:           paths.Source,
		archivePath:   outputFile,
		metrics:       m,
		handle:        h,
	}
	go func() {
		h.finish(run.execute())
	}()
	return h, nil
}

// nativeRun holds the state of a single in-process archive run.
type nativeRun struct {
	*NativeInvoker
	ctx         context.Context
	src         string
	archivePath string
	tempPath    string
	metrics     *pathcompressionmetrics.CompressionMetrics
	handle      *Handle
	tw          *tar.Writer
}

func (r *nativeRun) execute() (retErr error) {
	plog.Info("COMPRESS", "source", r.src, "archive", r.archivePath)

	if r.logMetrics {
		r.metrics.StartProgress("Archive progress", 5*time.Second)
		defer func() {
			r.metrics.StopProgress()
			r.metrics.LogSummary("Archive finished")
		}()
	}

	total, err := sourceSize(r.ctx, r.src)
	if err != nil {
		_ = os.Remove(r.archivePath)
		return fmt.Errorf("failed to scan source %s: %w", r.src, err)
	}
	r.handle.totalBytes.Store(total)

	// Write into a temp file next to the artifact and rename on success, so
	// the reserved name only ever holds a complete archive or nothing.
	f, err := os.CreateTemp(filepath.Dir(r.archivePath), "pgl-backupd-*.tmp")
	if err != nil {
		_ = os.Remove(r.archivePath)
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	r.tempPath = f.Name()

	defer func() {
		if retErr != nil {
			f.Close()
			os.Remove(r.tempPath)
			os.Remove(r.archivePath)
		}
	}()

	if err := r.writeArchive(f); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(r.tempPath, r.archivePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return nil
}

func (r *nativeRun) writeArchive(f *os.File) (retErr error) {
	mw := &compressMetricWriter{w: f, metrics: r.metrics}
	bufWriter := bufio.NewWriterSize(mw, int(r.ioBufferPool.Size()))

	var compressedWriter io.WriteCloser
	if r.format == TarZst {
		zstdWriter, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(r.level.zstdLevel()))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zstdWriter
	} else {
		pgzipWriter, err := pgzip.NewWriterLevel(bufWriter, r.level.gzipLevel())
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = pgzipWriter
	}

	r.tw = tar.NewWriter(compressedWriter)

	defer func() {
		if err := r.tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	bufPtr := r.ioBufferPool.Get()
	defer r.ioBufferPool.Put(bufPtr)

	return filepath.WalkDir(r.src, func(absSrcPath string, d fs.DirEntry, walkErr error) error {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		if absSrcPath == r.src || absSrcPath == r.archivePath || absSrcPath == r.tempPath {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
		}
		relPath, err := filepath.Rel(r.src, absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
		}
		relPathKey := util.NormalizePath(relPath)

		plog.Notice("ADD", "source", r.src, "entry", relPathKey)
		r.metrics.AddEntriesProcessed(1)

		switch {
		case info.IsDir():
			return r.writeHeader(info, relPathKey+"/", "")
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(absSrcPath)
			if err != nil {
				return fmt.Errorf("failed to read link %s: %w", absSrcPath, err)
			}
			return r.writeHeader(info, relPathKey, linkTarget)
		case info.Mode().IsRegular():
			return r.writeFile(absSrcPath, relPathKey, info, *bufPtr)
		default:
			plog.Warn("Skipping special file", "path", absSrcPath, "mode", info.Mode().String())
			return nil
		}
	})
}

func (r *nativeRun) writeHeader(info os.FileInfo, name, linkTarget string) error {
	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", name, err)
	}
	header.Name = name
	if err := r.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	return nil
}

func (r *nativeRun) writeFile(absSrcPath, relPathKey string, info os.FileInfo, buf []byte) error {
	fileToTar, err := secureFileOpen(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
	}
	defer fileToTar.Close()

	if err := r.writeHeader(info, relPathKey, ""); err != nil {
		return err
	}
	mr := &compressMetricReader{r: fileToTar, metrics: r.metrics}
	if _, err := io.CopyBuffer(r.tw, mr, buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPathKey, err)
	}
	return nil
}

// sourceSize sums the sizes of all regular files below root.
func sourceSize(ctx context.Context, root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// compressMetricWriter wraps an io.Writer and counts the compressed bytes written.
type compressMetricWriter struct {
	w       io.Writer
	metrics pathcompressionmetrics.Metrics
}

func (mw *compressMetricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

// compressMetricReader wraps an io.Reader and counts the source bytes read.
type compressMetricReader struct {
	r       io.Reader
	metrics pathcompressionmetrics.Metrics
}

func (mr *compressMetricReader) Read(p []byte) (n int, err error) {
	n, err = mr.r.Read(p)
	if n > 0 {
		mr.metrics.AddBytesRead(int64(n))
	}
	return
}

// secureFileOpen verifies that the file at path is the same one we expected
// (TOCTOU check). A file swapped for a symlink or resized after it was
// discovered would corrupt the tar stream.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during backup (TOCTOU): %s", absFilePath)
	}
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during backup: %s", absFilePath)
	}
	return f, nil
}
