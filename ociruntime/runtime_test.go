// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ociruntime_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/testutil"
	"github.com/bureau-foundation/conmon/ociruntime"
	"github.com/bureau-foundation/conmon/ociruntime/runtimetest"
)

// runtimeScript behaves like runc for the commands the supervisor
// uses. Every invocation is appended to $CALLS. `create` backgrounds a
// sleep standing in for container init. The container ID "broken"
// fails create with a JSON log error; "missing" fails every other
// command on stderr.
const runtimeScript = `#!/bin/sh
echo "$@" >> "$(dirname "$0")/calls"
log=""
while [ $# -gt 0 ]; do
	case "$1" in
	--root) shift 2 ;;
	--log) log="$2"; shift 2 ;;
	--log-format) shift 2 ;;
	*) break ;;
	esac
done
command="$1"; shift
case "$command" in
create)
	pidfile=""
	while [ $# -gt 1 ]; do
		case "$1" in
		--pid-file) pidfile="$2"; shift 2 ;;
		--bundle|--console-socket) shift 2 ;;
		*) shift ;;
		esac
	done
	if [ "$1" = "broken" ]; then
		echo '{"level":"warning","msg":"cgroup v1 is deprecated"}' >> "$log"
		echo '{"level":"error","msg":"rootfs does not exist"}' >> "$log"
		echo '{"level":"warning","msg":"cleaning up"}' >> "$log"
		exit 1
	fi
	sleep 300 </dev/null >/dev/null 2>&1 &
	echo $! > "$pidfile"
	;;
exec)
	pidfile=""
	while [ $# -gt 0 ]; do
		case "$1" in
		--pid-file) pidfile="$2"; shift 2 ;;
		--console-socket) shift 2 ;;
		--tty) shift ;;
		*) break ;;
		esac
	done
	shift
	echo $$ > "$pidfile"
	exec "$@"
	;;
*)
	for arg; do
		if [ "$arg" = "missing" ]; then
			echo "container does not exist" >&2
			exit 1
		fi
	done
	;;
esac
`

type harness struct {
	runtime   *ociruntime.Runtime
	directory string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	directory := t.TempDir()
	path := filepath.Join(directory, "runc")
	if err := os.WriteFile(path, []byte(runtimeScript), 0o755); err != nil {
		t.Fatal(err)
	}
	return &harness{
		directory: directory,
		runtime: ociruntime.New(ociruntime.Options{
			Path:   path,
			Root:   filepath.Join(directory, "state"),
			Reaper: runtimetest.StartReaper(t),
		}),
	}
}

func (h *harness) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.directory, "calls"))
	if err != nil {
		t.Fatalf("reading recorded calls: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCreateArgs(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		options ociruntime.CreateOptions
		want    []string
	}{
		{
			name:    "minimal",
			options: ociruntime.CreateOptions{ID: "c1", Bundle: "/b", PidFile: "/p"},
			want:    []string{"create", "--bundle", "/b", "--pid-file", "/p", "c1"},
		},
		{
			name:    "root and log",
			root:    "/run/runc",
			options: ociruntime.CreateOptions{ID: "c1", Bundle: "/b", PidFile: "/p", LogFile: "/l"},
			want:    []string{"--root", "/run/runc", "--log", "/l", "--log-format", "json", "create", "--bundle", "/b", "--pid-file", "/p", "c1"},
		},
		{
			name:    "terminal",
			options: ociruntime.CreateOptions{ID: "c1", Bundle: "/b", PidFile: "/p", ConsoleSocket: "/s"},
			want:    []string{"create", "--bundle", "/b", "--pid-file", "/p", "--console-socket", "/s", "c1"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			runtime := ociruntime.New(ociruntime.Options{Path: "runc", Root: test.root})
			if got := runtime.CreateArgs(test.options); !slices.Equal(got, test.want) {
				t.Errorf("CreateArgs() = %q, want %q", got, test.want)
			}
		})
	}
}

func TestExecArgs(t *testing.T) {
	runtime := ociruntime.New(ociruntime.Options{Path: "runc"})
	got := runtime.ExecArgs(ociruntime.ExecOptions{
		ID:            "c1",
		Args:          []string{"ls", "-l"},
		PidFile:       "/p",
		ConsoleSocket: "/s",
	})
	want := []string{"exec", "--pid-file", "/p", "--tty", "--console-socket", "/s", "c1", "ls", "-l"}
	if !slices.Equal(got, want) {
		t.Errorf("ExecArgs() = %q, want %q", got, want)
	}
}

func TestCreateReturnsInitPid(t *testing.T) {
	h := newHarness(t)
	pidFile := filepath.Join(h.directory, "pidfile")

	pid, err := h.runtime.Create(context.Background(), ociruntime.CreateOptions{
		ID:      "c1",
		Bundle:  h.directory,
		PidFile: pidFile,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { syscall.Kill(pid, syscall.SIGKILL) })

	if err := syscall.Kill(pid, 0); err != nil {
		t.Errorf("init pid %d is not alive: %v", pid, err)
	}
	calls := h.calls(t)
	if len(calls) != 1 || !strings.Contains(calls[0], "create --bundle "+h.directory) {
		t.Errorf("recorded calls = %q", calls)
	}
}

func TestCreateFailureCarriesRuntimeLogError(t *testing.T) {
	h := newHarness(t)

	_, err := h.runtime.Create(context.Background(), ociruntime.CreateOptions{
		ID:      "broken",
		Bundle:  h.directory,
		PidFile: filepath.Join(h.directory, "pidfile"),
		LogFile: filepath.Join(h.directory, "runtime.log"),
	})
	if !ipc.IsCode(err, ipc.CodeSpawnError) {
		t.Fatalf("Create error = %v, want spawn_error", err)
	}
	if !strings.Contains(err.Error(), "rootfs does not exist") {
		t.Errorf("error %q does not carry the runtime's message", err)
	}
}

func TestCreateLaunchFailure(t *testing.T) {
	runtime := ociruntime.New(ociruntime.Options{
		Path:   filepath.Join(t.TempDir(), "no-such-runtime"),
		Reaper: runtimetest.StartReaper(t),
	})
	_, err := runtime.Create(context.Background(), ociruntime.CreateOptions{ID: "c1", Bundle: "/", PidFile: "/nonexistent"})
	if !ipc.IsCode(err, ipc.CodeSpawnError) {
		t.Fatalf("Create error = %v, want spawn_error", err)
	}
}

func TestCommandFailureReportsStderr(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for name, run := range map[string]func() error{
		"start":  func() error { return h.runtime.Start(ctx, "missing") },
		"kill":   func() error { return h.runtime.Kill(ctx, "missing", syscall.SIGTERM) },
		"delete": func() error { return h.runtime.Delete(ctx, "missing", true) },
	} {
		err := run()
		if err == nil || !strings.Contains(err.Error(), "container does not exist") {
			t.Errorf("%s error = %v, want the runtime's stderr", name, err)
		}
	}
}

func TestSimpleCommandArgs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.runtime.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.runtime.Kill(ctx, "c1", syscall.SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := h.runtime.Delete(ctx, "c1", true); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	root := "--root " + filepath.Join(h.directory, "state") + " "
	want := []string{root + "start c1", root + "kill c1 9", root + "delete --force c1"}
	if got := h.calls(t); !slices.Equal(got, want) {
		t.Errorf("recorded calls = %q, want %q", got, want)
	}
}

func TestExecDeliversCommandExit(t *testing.T) {
	h := newHarness(t)
	pidFile := filepath.Join(h.directory, "exec.pid")

	process, err := h.runtime.Exec(context.Background(), ociruntime.ExecOptions{
		ID:      "c1",
		Args:    []string{"/bin/sh", "-c", "exit 7"},
		PidFile: pidFile,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	exit := testutil.RequireReceive(t, process.Exited, 10*time.Second, "exec exit")
	if exit.Code() != 7 {
		t.Errorf("exit code = %d, want 7", exit.Code())
	}
	pid, err := process.ContainerPid()
	if err != nil {
		t.Fatalf("ContainerPid: %v", err)
	}
	if pid != process.Pid {
		t.Errorf("ContainerPid() = %d, want %d", pid, process.Pid)
	}
}

func TestLastLogError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.log")
	content := `{"level":"error","msg":"first"}
not json
{"level":"info","msg":"noise"}
{"level":"fatal","msg":"second"}
{"level":"debug","msg":"trailing"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ociruntime.LastLogError(path); got != "second" {
		t.Errorf("LastLogError() = %q, want %q", got, "second")
	}
	if got := ociruntime.LastLogError(filepath.Join(t.TempDir(), "absent")); got != "" {
		t.Errorf("LastLogError(absent) = %q, want empty", got)
	}
}

func TestReadPidFile(t *testing.T) {
	directory := t.TempDir()
	tests := []struct {
		content string
		want    int
		wantErr bool
	}{
		{content: "1234", want: 1234},
		{content: "1234\n", want: 1234},
		{content: "", wantErr: true},
		{content: "abc", wantErr: true},
		{content: "-5", wantErr: true},
	}
	for index, test := range tests {
		path := filepath.Join(directory, strings.Repeat("p", index+1))
		if err := os.WriteFile(path, []byte(test.content), 0o644); err != nil {
			t.Fatal(err)
		}
		pid, err := ociruntime.ReadPidFile(path)
		if (err != nil) != test.wantErr {
			t.Errorf("ReadPidFile(%q) error = %v, wantErr %v", test.content, err, test.wantErr)
			continue
		}
		if pid != test.want {
			t.Errorf("ReadPidFile(%q) = %d, want %d", test.content, pid, test.want)
		}
	}
}
