package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/policy"
)

// testEnv builds an allow-list over temp safe/log roots with a layout the
// rule tests can point into.
type testEnv struct {
	registry *policy.Registry
	safe     string
	logs     string
	workdir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	safe := filepath.Join(root, "www")
	logs := filepath.Join(root, "log")
	for _, d := range []string{
		safe,
		filepath.Join(safe, "app"),
		logs,
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(logs, "app.log"), []byte("line\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	registry, err := policy.New(policy.File{
		Commands: []policy.Entry{
			{Name: "ls", Path: "/bin/ls", Mode: policy.ArgModeFlags, Args: []string{"-l", "-a", "-la"}},
			{Name: "cat", Path: "/bin/cat", Mode: policy.ArgModeReader},
			{Name: "tail", Path: "/usr/bin/tail", Mode: policy.ArgModeReader},
			{Name: "git", Path: "/usr/bin/git", Mode: policy.ArgModeSubcommand, Args: []string{"pull", "status"}},
			{Name: "pm2", Path: "/usr/bin/pm2", Mode: policy.ArgModeSubcommand, Args: []string{"status", "restart", "logs"}},
			{Name: "cd", Mode: policy.ArgModeBuiltin},
		},
		SafeDirectories: []string{safe},
		LogDirectories:  []string{logs},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	return &testEnv{registry: registry, safe: safe, logs: logs, workdir: safe}
}

func (e *testEnv) validate(t *testing.T, raw string) (*Approval, error) {
	t.Helper()
	return NewValidator(e.registry).Validate(raw, e.workdir)
}

func wantKind(t *testing.T, err error, kind command.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got approval", kind)
	}
	got, ok := command.KindOf(err)
	if !ok {
		t.Fatalf("error %v carries no kind, want %s", err, kind)
	}
	if got != kind {
		t.Fatalf("kind = %s, want %s (%v)", got, kind, err)
	}
}

func TestValidate_EmptyCommand(t *testing.T) {
	env := newTestEnv(t)
	for _, raw := range []string{"", "   ", "\t"} {
		_, err := env.validate(t, raw)
		wantKind(t, err, command.KindEmptyCommand)
	}
}

func TestValidate_MalformedCommand(t *testing.T) {
	env := newTestEnv(t)
	for _, raw := range []string{"ls 'unbalanced", `ls trailing\`, "ls && cat /etc/passwd", "ls | tail"} {
		_, err := env.validate(t, raw)
		wantKind(t, err, command.KindMalformedCommand)
	}
}

func TestValidate_CommandNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	for _, raw := range []string{"rm -rf /", "curl http://evil.example", "bash"} {
		_, err := env.validate(t, raw)
		wantKind(t, err, command.KindCommandNotAllowed)
	}
}

func TestValidate_FlagMode(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.validate(t, "ls -la"); err != nil {
		t.Errorf("allowed flag rejected: %v", err)
	}

	_, err := env.validate(t, "ls -R")
	wantKind(t, err, command.KindInvalidArgument)
}

func TestValidate_SubcommandMode(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.validate(t, "git pull"); err != nil {
		t.Errorf("allowed subcommand rejected: %v", err)
	}
	if _, err := env.validate(t, "pm2 restart blog"); err != nil {
		t.Errorf("allowed subcommand rejected: %v", err)
	}
	// Bare vocabulary command prints usage, nothing more.
	if _, err := env.validate(t, "git"); err != nil {
		t.Errorf("bare subcommand command rejected: %v", err)
	}

	_, err := env.validate(t, "git push")
	wantKind(t, err, command.KindInvalidArgument)

	// Only the first non-flag argument selects the action.
	if _, err := env.validate(t, "pm2 logs blog --lines 20 --nostream"); err != nil {
		t.Errorf("subcommand with trailing args rejected: %v", err)
	}
}

func TestValidate_DirectoryChange(t *testing.T) {
	env := newTestEnv(t)

	app, err := env.validate(t, "cd "+env.safe)
	if err != nil {
		t.Fatalf("cd into safe dir rejected: %v", err)
	}
	if !app.Builtin {
		t.Error("expected builtin approval")
	}
	if app.Dir == "" {
		t.Error("expected resolved target dir")
	}
	// The builtin keeps its shell form in the rewritten line.
	if app.Argv[0] != "cd" {
		t.Errorf("argv[0] = %q, want cd", app.Argv[0])
	}

	_, err = env.validate(t, "cd /etc")
	wantKind(t, err, command.KindDirectoryNotAllowed)

	_, err = env.validate(t, "cd")
	wantKind(t, err, command.KindInvalidArgument)

	_, err = env.validate(t, "cd a b")
	wantKind(t, err, command.KindInvalidArgument)
}

func TestValidate_TraversalEscapeRejected(t *testing.T) {
	env := newTestEnv(t)

	// The textual prefix matches the safe root but the resolved path
	// escapes it.
	_, err := env.validate(t, "cd "+filepath.Join(env.safe, "app")+"/../../../etc")
	wantKind(t, err, command.KindDirectoryNotAllowed)
}

func TestValidate_SymlinkEscapeRejected(t *testing.T) {
	env := newTestEnv(t)

	outside := t.TempDir()
	link := filepath.Join(env.safe, "shortcut")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	_, err := env.validate(t, "cd "+link)
	wantKind(t, err, command.KindDirectoryNotAllowed)
}

func TestValidate_PathConfinement(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.validate(t, "ls -la "+env.safe); err != nil {
		t.Errorf("safe path rejected: %v", err)
	}
	if _, err := env.validate(t, "ls "+env.logs); err != nil {
		t.Errorf("log path rejected for non-reader: %v", err)
	}

	_, err := env.validate(t, "ls -la /etc/cron.d")
	wantKind(t, err, command.KindPathNotAllowed)

	// Relative paths resolve against the working directory.
	if _, err := env.validate(t, "ls app/sub"); err != nil {
		t.Errorf("relative safe path rejected: %v", err)
	}
}

func TestValidate_ReaderLogConfinement(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.validate(t, "cat "+filepath.Join(env.logs, "app.log")); err != nil {
		t.Errorf("log read rejected: %v", err)
	}
	if _, err := env.validate(t, "tail -n 50 "+filepath.Join(env.logs, "app.log")); err != nil {
		t.Errorf("tail of log rejected: %v", err)
	}

	// Safe-tree membership does not imply read access.
	_, err := env.validate(t, "cat "+filepath.Join(env.safe, "app", ".env"))
	wantKind(t, err, command.KindLogAccessDenied)

	// Outside both trees the generic path rule fires first.
	_, err = env.validate(t, "cat /etc/passwd")
	if kind, _ := command.KindOf(err); kind != command.KindPathNotAllowed && kind != command.KindLogAccessDenied {
		t.Fatalf("kind = %s, want path_not_allowed or log_access_denied", kind)
	}

	// A relative read resolves against the working directory, which is not
	// a log root.
	_, err = env.validate(t, "cat secrets.txt")
	wantKind(t, err, command.KindLogAccessDenied)
}

func TestValidate_Rewrite(t *testing.T) {
	env := newTestEnv(t)

	app, err := env.validate(t, "ls -la "+env.safe)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if app.Argv[0] != "/bin/ls" {
		t.Errorf("argv[0] = %q, want /bin/ls", app.Argv[0])
	}
	want := "/bin/ls -la " + env.safe
	if app.Rewritten != want {
		t.Errorf("rewritten = %q, want %q", app.Rewritten, want)
	}
	// All tokens after the base are untouched.
	if app.Argv[1] != "-la" || app.Argv[2] != env.safe {
		t.Errorf("argv tail changed: %v", app.Argv)
	}
}

func TestValidate_RewriteIsTokenBased(t *testing.T) {
	env := newTestEnv(t)

	// "ls" also appears inside an argument; only the base token may be
	// replaced.
	app, err := env.validate(t, "ls "+filepath.Join(env.safe, "ls"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if app.Argv[1] != filepath.Join(env.safe, "ls") {
		t.Errorf("argument token was rewritten: %q", app.Argv[1])
	}
}

func TestValidate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	raw := "ls -la " + env.safe

	first, err1 := env.validate(t, raw)
	second, err2 := env.validate(t, raw)
	if err1 != nil || err2 != nil {
		t.Fatalf("validate: %v / %v", err1, err2)
	}
	if first.Rewritten != second.Rewritten {
		t.Errorf("rewritten differs across runs: %q vs %q", first.Rewritten, second.Rewritten)
	}
}

func TestValidate_QuotedArgumentsSurviveRewrite(t *testing.T) {
	env := newTestEnv(t)

	app, err := env.validate(t, `git status 'release notes'`)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if app.Argv[2] != "release notes" {
		t.Errorf("argv[2] = %q, want release notes", app.Argv[2])
	}

	retok, err := Tokenize(app.Rewritten)
	if err != nil {
		t.Fatalf("rewritten line does not tokenize: %v", err)
	}
	if retok[2] != "release notes" {
		t.Errorf("rewritten round-trip token = %q", retok[2])
	}
}
