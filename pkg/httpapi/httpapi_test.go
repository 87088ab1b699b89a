package httpapi_test

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/httpapi"
	"github.com/paulschiretz/pgl-backupd/pkg/jobtracker"
	"github.com/paulschiretz/pgl-backupd/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
)

// fakeService returns canned results.
type fakeService struct {
	result engine.Result
	err    error
	panics bool
	got    engine.BackupRequest
}

func (f *fakeService) HandleBackupRequest(ctx context.Context, req engine.BackupRequest) (engine.Result, error) {
	if f.panics {
		panic("boom")
	}
	f.got = req
	return f.result, f.err
}

func (f *fakeService) HandleProgressRequest() jobtracker.Snapshot {
	return jobtracker.Snapshot{Progress: 40}
}

func (f *fakeService) Status() jobtracker.Job {
	return jobtracker.Job{ID: "job-1", Progress: 40, Archive: jobtracker.ArchiveRunning}
}

func newRouter(svc httpapi.BackupService, opts httpapi.Options) http.Handler {
	opts.Mode = gin.TestMode
	return httpapi.NewServer(svc, opts).Router()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateBackup_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "Malformed JSON",
			body:       `{"sourcePath":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "Validation error",
			body:       `{"sourcePath":"a","destinationPath":"b"}`,
			err:        &preflight.ValidationError{Kind: preflight.ErrSourceNotFound, Msg: "source path /a does not exist"},
			wantStatus: http.StatusBadRequest,
			wantError:  "source path /a does not exist",
		},
		{
			name:       "Invocation failure",
			body:       `{"sourcePath":"a","destinationPath":"b"}`,
			err:        &engine.InvocationError{Diagnostic: "tar: cannot open", Err: errors.New("exit 2")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Backup failed: tar: cannot open",
		},
		{
			name:       "Service closed",
			body:       `{"sourcePath":"a","destinationPath":"b"}`,
			err:        engine.ErrServiceClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  engine.ErrServiceClosed.Error(),
		},
		{
			name:       "Unexpected error",
			body:       `{"sourcePath":"a","destinationPath":"b"}`,
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal Server Error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newRouter(&fakeService{err: tc.err}, httpapi.Options{})
			rec := do(t, h, http.MethodPost, "/backup", tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tc.wantStatus, rec.Code, rec.Body.String())
			}
			body := decode[map[string]string](t, rec)
			if !strings.HasPrefix(body["error"], tc.wantError) {
				t.Errorf("expected error %q, got %q", tc.wantError, body["error"])
			}
		})
	}
}

func TestCreateBackup_Success(t *testing.T) {
	svc := &fakeService{result: engine.Result{Message: engine.StartedMessage, BackupFile: "/dst/backup-1.tar.gz", JobID: "job-1"}}
	h := newRouter(svc, httpapi.Options{})

	rec := do(t, h, http.MethodPost, "/backup", `{"sourcePath":"/src","destinationPath":"/dst"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.got != (engine.BackupRequest{SourcePath: "/src", DestinationPath: "/dst"}) {
		t.Errorf("request not bound: %+v", svc.got)
	}
	body := decode[map[string]string](t, rec)
	if body["message"] != "Backup started successfully!" || body["backupFile"] != "/dst/backup-1.tar.gz" || body["jobId"] != "job-1" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestReadRoutes(t *testing.T) {
	h := newRouter(&fakeService{}, httpapi.Options{})

	rec := do(t, h, http.MethodGet, "/progress", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"progress":40,"done":false}` {
		t.Errorf("GET /progress = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/backup/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /backup/status = %d", rec.Code)
	}
	if job := decode[jobtracker.Job](t, rec); job.ID != "job-1" || job.Archive != jobtracker.ArchiveRunning {
		t.Errorf("unexpected status %+v", job)
	}

	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["status"] != "ok" {
		t.Errorf("GET /healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestNotFoundAndStatic(t *testing.T) {
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>app</html>"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(static, "app.js"), []byte("console.log(1)"), 0644); err != nil {
		t.Fatal(err)
	}
	h := newRouter(&fakeService{}, httpapi.Options{StaticDir: static})

	if rec := do(t, h, http.MethodGet, "/app.js", ""); rec.Code != http.StatusOK || rec.Body.String() != "console.log(1)" {
		t.Errorf("GET /app.js = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "app") {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	for _, target := range []string{"/missing", "/../../etc/passwd", "/nested/"} {
		rec := do(t, h, http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, rec.Code)
			continue
		}
		if body := decode[map[string]string](t, rec); body["error"] != "Not Found" {
			t.Errorf("GET %s body = %v", target, body)
		}
	}

	if rec := do(t, h, http.MethodDelete, "/app.js", ""); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE /app.js = %d, want 404", rec.Code)
	}
}

func TestPanicRecovery(t *testing.T) {
	h := newRouter(&fakeService{panics: true}, httpapi.Options{})
	rec := do(t, h, http.MethodPost, "/backup", `{"sourcePath":"a","destinationPath":"b"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["error"] != "Internal Server Error" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestCORS(t *testing.T) {
	h := newRouter(&fakeService{}, httpapi.Options{})

	req := httptest.NewRequest(http.MethodOptions, "/backup", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Errorf("Allow-Headers = %q", got)
	}

	h = newRouter(&fakeService{}, httpapi.Options{CORSOrigin: "http://localhost:3000"})
	rec = do(t, h, http.MethodGet, "/progress", "")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

// newEngine wires the real service stack with a fast ticker and the native archiver.
func newEngine(t *testing.T) *engine.Service {
	t.Helper()
	inv := pathcompression.NewNativeInvoker(pathcompression.TarGz, pathcompression.Default, 0, false)
	svc := engine.NewService(preflight.NewValidator(true), inv, jobtracker.New(), engine.Options{Interval: 5 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

func postBackup(t *testing.T, h http.Handler, src, dst string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(engine.BackupRequest{SourcePath: src, DestinationPath: dst})
	if err != nil {
		t.Fatal(err)
	}
	return do(t, h, http.MethodPost, "/backup", string(body))
}

func extract(t *testing.T, archive string) map[string]string {
	t.Helper()
	f, err := os.Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gr, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer gr.Close()

	files := make(map[string]string)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		files[strings.TrimPrefix(hdr.Name, "./")] = string(data)
	}
}

func TestEndToEnd(t *testing.T) {
	src := t.TempDir()
	want := map[string]string{
		"readme.md":         "# project",
		"docs/guide.txt":    "step one",
		"docs/img/logo.svg": "<svg/>",
	}
	for rel, content := range want {
		p := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	dst := filepath.Join(t.TempDir(), "backups")

	svc := newEngine(t)
	h := newRouter(svc, httpapi.Options{})

	rec := do(t, h, http.MethodGet, "/progress", "")
	if strings.TrimSpace(rec.Body.String()) != `{"progress":0,"done":false}` {
		t.Errorf("initial progress = %s", rec.Body.String())
	}

	rec = postBackup(t, h, src, dst)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /backup = %d %s", rec.Code, rec.Body.String())
	}
	res := decode[engine.Result](t, rec)
	if filepath.Dir(res.BackupFile) != dst {
		t.Errorf("artifact %q not in %q", res.BackupFile, dst)
	}

	deadline := time.Now().Add(10 * time.Second)
	last := -1
	for {
		snap := decode[jobtracker.Snapshot](t, do(t, h, http.MethodGet, "/progress", ""))
		if snap.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, snap.Progress)
		}
		last = snap.Progress
		if snap.Done {
			if snap.Progress != 100 {
				t.Fatalf("done with progress %d", snap.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for svc.Status().Archive == jobtracker.ArchiveRunning {
		if time.Now().After(deadline) {
			t.Fatal("archive did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job := svc.Status(); job.Archive != jobtracker.ArchiveSucceeded {
		t.Fatalf("archive failed: %+v", job)
	}

	got := extract(t, res.BackupFile)
	if len(got) != len(want) {
		t.Errorf("expected %d files, got %d", len(want), len(got))
	}
	for rel, content := range want {
		if got[rel] != content {
			t.Errorf("%s: got %q, want %q", rel, got[rel], content)
		}
	}
}

func TestEndToEnd_Rejections(t *testing.T) {
	h := newRouter(newEngine(t), httpapi.Options{})

	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fileDst := t.TempDir()
	rec := postBackup(t, h, file, fileDst)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a file source, got %d", rec.Code)
	}
	if msg := decode[map[string]string](t, rec)["error"]; !strings.Contains(msg, "not a directory") {
		t.Errorf("unexpected error %q", msg)
	}
	entries, err := os.ReadDir(fileDst)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files under the destination, found %d", len(entries))
	}

	dst := filepath.Join(t.TempDir(), "never-created")
	rec = postBackup(t, h, "", dst)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing source, got %d", rec.Code)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("destination was created for an invalid request: %v", err)
	}
}

func TestEndToEnd_RepeatRequestsDistinctArtifacts(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := t.TempDir()
	h := newRouter(newEngine(t), httpapi.Options{})

	first := decode[engine.Result](t, postBackup(t, h, src, dst))
	second := decode[engine.Result](t, postBackup(t, h, src, dst))
	if first.BackupFile == "" || first.BackupFile == second.BackupFile {
		t.Errorf("expected distinct artifacts, got %q and %q", first.BackupFile, second.BackupFile)
	}
}
