package projects

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/policy"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []gateway.Request
	fail map[string]command.Result
	hook func(req gateway.Request)
}

func (f *fakeRunner) Execute(_ context.Context, req gateway.Request) command.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(req)
	}
	if res, ok := f.fail[req.Raw]; ok {
		return res
	}
	return command.OK("ok", map[string]any{"stdout": "", "stderr": "", "return_code": 0})
}

func (f *fakeRunner) requests() []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureRecorder) Record(_ context.Context, rec audit.Record) error {
	rec.Fill()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureRecorder) Close() error { return nil }

var testActor = command.Actor{Caller: "tester", Channel: "test"}

// newTestRegistry builds a registry with one project living under a temp
// safe tree and returns the resolved definition alongside it.
func newTestRegistry(t *testing.T) (*Registry, Definition) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "blog")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	safe, err := policy.NewDirSet([]string{root})
	if err != nil {
		t.Fatalf("dirset: %v", err)
	}
	reg, err := NewRegistry([]Definition{{
		Name:       "blog",
		Dir:        dir,
		Process:    "blog",
		ConfigFile: "config.json",
	}}, safe)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	def, _ := reg.Get("blog")
	return reg, def
}

func resultKind(t *testing.T, res command.Result) command.Kind {
	t.Helper()
	if res.Success {
		t.Fatalf("expected failure, got success: %s", res.Message)
	}
	kind, ok := res.Data["error_kind"].(string)
	if !ok {
		t.Fatalf("result carries no error_kind: %+v", res)
	}
	return command.Kind(kind)
}

func TestLoadRegistry_FromTOML(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	doc := fmt.Sprintf(`
[[projects]]
name = "beta"
working_directory = %q
process_name = "beta-proc"

[[projects]]
name = "alpha"
working_directory = %q
process_name = "alpha-proc"
config_file = "config.json"
`, filepath.Join(root, "beta"), filepath.Join(root, "alpha"))

	path := filepath.Join(root, "projects.toml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	safe, err := policy.NewDirSet([]string{root})
	if err != nil {
		t.Fatalf("dirset: %v", err)
	}

	reg, err := LoadRegistry(path, safe)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("Names() = %v, want sorted [alpha beta]", got)
	}
	def, ok := reg.Get("alpha")
	if !ok {
		t.Fatal("alpha not registered")
	}
	if def.Process != "alpha-proc" || def.ConfigFile != "config.json" {
		t.Fatalf("unexpected definition: %+v", def)
	}
}

func TestNewRegistry_RejectsBadDefinitions(t *testing.T) {
	root := t.TempDir()
	safe, err := policy.NewDirSet([]string{root})
	if err != nil {
		t.Fatalf("dirset: %v", err)
	}
	good := Definition{Name: "ok", Dir: root, Process: "ok-proc"}

	cases := []struct {
		name string
		defs []Definition
	}{
		{"missing name", []Definition{{Dir: root, Process: "p"}}},
		{"missing process", []Definition{{Name: "x", Dir: root}}},
		{"duplicate", []Definition{good, good}},
		{"metacharacters in process", []Definition{{Name: "x", Dir: root, Process: "p; rm -rf /"}}},
		{"directory outside safe tree", []Definition{{Name: "x", Dir: "/etc", Process: "p"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.defs, safe); err == nil {
				t.Fatalf("NewRegistry accepted %v", tc.defs)
			}
		})
	}
}

func TestManager_UnknownProject(t *testing.T) {
	reg, _ := newTestRegistry(t)
	run := &fakeRunner{}
	m := NewManager(reg, run, nil, nil)

	res := m.Status(context.Background(), testActor, "nope")
	if kind := resultKind(t, res); kind != command.KindUnknownProject {
		t.Fatalf("error_kind = %s, want %s", kind, command.KindUnknownProject)
	}
	if len(run.requests()) != 0 {
		t.Fatal("unknown project must not reach the gateway")
	}
}

func TestManager_StatusAndRestartCommandLines(t *testing.T) {
	reg, def := newTestRegistry(t)
	run := &fakeRunner{}
	m := NewManager(reg, run, nil, nil)
	ctx := context.Background()

	m.Status(ctx, testActor, "blog")
	m.Restart(ctx, testActor, "blog")

	reqs := run.requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[0].Raw != "pm2 status blog" || reqs[0].Action != "status" {
		t.Fatalf("status request = %+v", reqs[0])
	}
	if reqs[1].Raw != "pm2 restart blog" || reqs[1].Action != "restart" {
		t.Fatalf("restart request = %+v", reqs[1])
	}
	for _, req := range reqs {
		if req.Dir != def.Dir {
			t.Fatalf("request dir = %q, want %q", req.Dir, def.Dir)
		}
		if req.CommandType != command.TypeProject {
			t.Fatalf("request type = %q, want project", req.CommandType)
		}
	}
}

func TestManager_LogsLineClamping(t *testing.T) {
	reg, _ := newTestRegistry(t)

	cases := []struct {
		asked int
		want  int
	}{
		{0, DefaultLogLines},
		{-3, DefaultLogLines},
		{7, 7},
		{MaxLogLines, MaxLogLines},
		{9999, MaxLogLines},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("asked=%d", tc.asked), func(t *testing.T) {
			run := &fakeRunner{}
			m := NewManager(reg, run, nil, nil)
			m.Logs(context.Background(), testActor, "blog", tc.asked)

			reqs := run.requests()
			if len(reqs) != 1 {
				t.Fatalf("got %d requests, want 1", len(reqs))
			}
			want := fmt.Sprintf("pm2 logs blog --lines %d --nostream", tc.want)
			if reqs[0].Raw != want {
				t.Fatalf("raw = %q, want %q", reqs[0].Raw, want)
			}
		})
	}
}

func TestManager_UpdateRunsDeploySequence(t *testing.T) {
	reg, def := newTestRegistry(t)
	run := &fakeRunner{}
	m := NewManager(reg, run, nil, nil)

	res := m.Update(context.Background(), testActor, "blog")
	if !res.Success {
		t.Fatalf("update failed: %s", res.Message)
	}

	want := []string{
		"cd " + def.Dir,
		"git pull",
		"npm install",
		"pm2 restart blog",
	}
	reqs := run.requests()
	if len(reqs) != len(want) {
		t.Fatalf("got %d steps, want %d", len(reqs), len(want))
	}
	for i, req := range reqs {
		if req.Raw != want[i] {
			t.Fatalf("step %d = %q, want %q", i, req.Raw, want[i])
		}
		if req.Dir != def.Dir {
			t.Fatalf("step %d dir = %q, want %q", i, req.Dir, def.Dir)
		}
		if !req.Long {
			t.Fatalf("step %d must use the long timeout class", i)
		}
		if req.Action != "update" {
			t.Fatalf("step %d action = %q, want update", i, req.Action)
		}
	}
}

func TestManager_UpdateHaltsOnFirstFailure(t *testing.T) {
	reg, _ := newTestRegistry(t)
	run := &fakeRunner{fail: map[string]command.Result{
		"git pull": command.Failf(command.KindExecutionError, "fatal: could not read from remote"),
	}}
	m := NewManager(reg, run, nil, nil)

	res := m.Update(context.Background(), testActor, "blog")
	if res.Success {
		t.Fatal("update reported success despite failed step")
	}
	if !strings.Contains(res.Message, "halted at step 2/4") {
		t.Fatalf("message = %q, want halt marker", res.Message)
	}
	if got := res.Data["failed_step"]; got != "git pull" {
		t.Fatalf("failed_step = %v, want git pull", got)
	}
	if reqs := run.requests(); len(reqs) != 2 {
		t.Fatalf("ran %d steps after failure, want 2", len(reqs))
	}
}

func TestManager_ConcurrentUpdatesSerialize(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var active, overlaps atomic.Int32
	run := &fakeRunner{hook: func(gateway.Request) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	}}
	m := NewManager(reg, run, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := m.Update(context.Background(), testActor, "blog"); !res.Success {
				t.Errorf("update failed: %s", res.Message)
			}
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("steps of concurrent updates interleaved %d times", n)
	}
	if reqs := run.requests(); len(reqs) != 8 {
		t.Fatalf("got %d steps, want 8", len(reqs))
	}
}

func TestManager_ConfigReadBypassesGateway(t *testing.T) {
	reg, def := newTestRegistry(t)
	content := `{"token": "redacted"}`
	if err := os.WriteFile(filepath.Join(def.Dir, "config.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	run := &fakeRunner{}
	rec := &captureRecorder{}
	m := NewManager(reg, run, rec, nil)

	res := m.Config(context.Background(), testActor, "blog")
	if !res.Success {
		t.Fatalf("config read failed: %s", res.Message)
	}
	if got := res.Data["content"]; got != content {
		t.Fatalf("content = %v, want %q", got, content)
	}
	if len(run.requests()) != 0 {
		t.Fatal("config read must not spawn a subprocess")
	}
	if len(rec.recs) != 1 || rec.recs[0].Action != "config" {
		t.Fatalf("config read not audited: %+v", rec.recs)
	}
}

func TestManager_ConfigTraversalDenied(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "app")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	safe, err := policy.NewDirSet([]string{root})
	if err != nil {
		t.Fatalf("dirset: %v", err)
	}
	reg, err := NewRegistry([]Definition{{
		Name: "app", Dir: dir, Process: "app", ConfigFile: "../../../../etc/hostname",
	}}, safe)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m := NewManager(reg, &fakeRunner{}, nil, nil)

	res := m.Config(context.Background(), testActor, "app")
	if kind := resultKind(t, res); kind != command.KindPathNotAllowed {
		t.Fatalf("error_kind = %s, want %s", kind, command.KindPathNotAllowed)
	}
}

func TestManager_ConfigSymlinkEscapeDenied(t *testing.T) {
	reg, def := newTestRegistry(t)
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.json")
	if err := os.WriteFile(secret, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(def.Dir, "config.json")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	m := NewManager(reg, &fakeRunner{}, nil, nil)

	res := m.Config(context.Background(), testActor, "blog")
	if kind := resultKind(t, res); kind != command.KindPathNotAllowed {
		t.Fatalf("error_kind = %s, want %s", kind, command.KindPathNotAllowed)
	}
}

func TestManager_ConfigSizeCapped(t *testing.T) {
	reg, def := newTestRegistry(t)
	big := strings.Repeat("x", maxConfigBytes+1)
	if err := os.WriteFile(filepath.Join(def.Dir, "config.json"), []byte(big), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(reg, &fakeRunner{}, nil, nil)

	res := m.Config(context.Background(), testActor, "blog")
	if kind := resultKind(t, res); kind != command.KindExecutionError {
		t.Fatalf("error_kind = %s, want %s", kind, command.KindExecutionError)
	}
}

func TestManager_ConfigNotRegistered(t *testing.T) {
	root := t.TempDir()
	safe, err := policy.NewDirSet([]string{root})
	if err != nil {
		t.Fatalf("dirset: %v", err)
	}
	reg, err := NewRegistry([]Definition{{Name: "bare", Dir: root, Process: "bare"}}, safe)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m := NewManager(reg, &fakeRunner{}, nil, nil)

	res := m.Config(context.Background(), testActor, "bare")
	if kind := resultKind(t, res); kind != command.KindInvalidArgument {
		t.Fatalf("error_kind = %s, want %s", kind, command.KindInvalidArgument)
	}
}

func TestClampLines(t *testing.T) {
	if got := ClampLines(0); got != DefaultLogLines {
		t.Fatalf("ClampLines(0) = %d", got)
	}
	if got := ClampLines(500); got != MaxLogLines {
		t.Fatalf("ClampLines(500) = %d", got)
	}
	if got := ClampLines(42); got != 42 {
		t.Fatalf("ClampLines(42) = %d", got)
	}
}
