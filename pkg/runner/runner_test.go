package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/events"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// scriptedHandle is a fake subprocess driven by the test
type scriptedHandle struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	exit     chan int
	term     chan struct{}
	kill     chan struct{}
	termOnce sync.Once
	killOnce sync.Once
}

func newScriptedHandle() *scriptedHandle {
	pr, pw := io.Pipe()
	return &scriptedHandle{
		pr:   pr,
		pw:   pw,
		exit: make(chan int, 1),
		term: make(chan struct{}),
		kill: make(chan struct{}),
	}
}

func (h *scriptedHandle) Output() io.Reader { return h.pr }
func (h *scriptedHandle) Wait() int         { return <-h.exit }

func (h *scriptedHandle) Terminate() error {
	h.termOnce.Do(func() { close(h.term) })
	return nil
}

func (h *scriptedHandle) Kill() error {
	h.killOnce.Do(func() { close(h.kill) })
	return nil
}

func (h *scriptedHandle) finish(code int) {
	h.pw.Close()
	h.exit <- code
}

type fakeSpawner struct {
	handle *scriptedHandle
	specs  []Spec
}

func (s *fakeSpawner) Spawn(spec Spec) (Handle, error) {
	s.specs = append(s.specs, spec)
	return s.handle, nil
}

func testFixture(t *testing.T) (*storage.BoltStore, *types.Job) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cluster := &types.Cluster{Name: "prod"}
	require.NoError(t, store.CreateCluster(cluster))
	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))
	return store, job
}

func TestRunStreamsAndPersistsOutput(t *testing.T) {
	store, job := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})

	bus := events.NewBus()
	_, sub := bus.Subscribe()
	defer sub.Cancel()

	go func() {
		io.WriteString(handle.pw, "TASK [install rke2]\n")
		io.WriteString(handle.pw, "ok: [cp-1]\n")
		handle.finish(0)
	}()

	res, err := r.Run(context.Background(), job.ID, bus, Spec{Playbook: "site.yml"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Cancelled)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Output, "TASK [install rke2]\n")
	assert.Contains(t, got.Output, "ok: [cp-1]\n")
	assert.Contains(t, got.Output, "[process exited with code 0]")
}

func TestRunReportsNonZeroExit(t *testing.T) {
	store, job := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})

	go func() {
		io.WriteString(handle.pw, "fatal: [cp-1]: UNREACHABLE!\n")
		handle.finish(4)
	}()

	res, err := r.Run(context.Background(), job.ID, events.NewBus(), Spec{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Output, "[process exited with code 4]")
}

func TestRunCancellationTerminatesProcess(t *testing.T) {
	store, job := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})

	// The process exits only when asked to terminate
	go func() {
		<-handle.term
		handle.finish(143)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, job.ID, events.NewBus(), Spec{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Output, "[job cancelled by request]")
	assert.NotContains(t, got.Output, "[process exited")
}

func TestRunKillsAfterGrace(t *testing.T) {
	store, job := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})
	r.grace = 20 * time.Millisecond

	// Ignores SIGTERM, dies on SIGKILL
	go func() {
		<-handle.kill
		handle.finish(137)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, job.ID, events.NewBus(), Spec{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestRunDrainsStreamEndingBeforeExit(t *testing.T) {
	store, job := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})

	// The output stream ends well before the exit code is known
	go func() {
		io.WriteString(handle.pw, "PLAY RECAP\n")
		handle.pw.Close()
		time.Sleep(50 * time.Millisecond)
		handle.exit <- 0
	}()

	done := make(chan struct{})
	var res Result
	go func() {
		defer close(done)
		var err error
		res, err = r.Run(context.Background(), job.ID, events.NewBus(), Spec{})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the process exited")
	}
	assert.Equal(t, 0, res.ExitCode)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Output, "PLAY RECAP\n")
	assert.Contains(t, got.Output, "[process exited with code 0]")
}

func TestRunCollectDrainsStreamEndingBeforeExit(t *testing.T) {
	store, _ := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})

	go func() {
		io.WriteString(handle.pw, "ok: [host-1]\n")
		handle.pw.Close()
		time.Sleep(50 * time.Millisecond)
		handle.exit <- 0
	}()

	type collected struct {
		out string
		res Result
	}
	done := make(chan collected, 1)
	go func() {
		out, res, err := r.RunCollect(context.Background(), Spec{})
		assert.NoError(t, err)
		done <- collected{out: out, res: res}
	}()

	select {
	case got := <-done:
		assert.Equal(t, 0, got.res.ExitCode)
		assert.Contains(t, got.out, "ok: [host-1]\n")
	case <-time.After(5 * time.Second):
		t.Fatal("RunCollect did not return after the process exited")
	}
}

// realHandleSpawner hands out a pre-started execHandle, letting the runner
// supervise an actual subprocess.
type realHandleSpawner struct {
	handle Handle
}

func (s realHandleSpawner) Spawn(Spec) (Handle, error) { return s.handle, nil }

func startShell(t *testing.T, script string) *execHandle {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	cmd.Stdout = pw
	cmd.Stderr = pw
	require.NoError(t, cmd.Start())
	pw.Close()

	return &execHandle{cmd: cmd, out: pr}
}

func TestRunKeepsOutputBufferedAtProcessExit(t *testing.T) {
	store, job := testFixture(t)
	handle := startShell(t, "seq 1 2000")
	r := NewWithSpawner(store, realHandleSpawner{handle: handle})

	res, err := r.Run(context.Background(), job.ID, events.NewBus(), Spec{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	// A process that exits the instant it finishes writing must still have
	// every line of its output persisted.
	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.Output, "1\n2\n"))
	assert.Contains(t, got.Output, "\n2000\n")
	assert.GreaterOrEqual(t, strings.Count(got.Output, "\n"), 2000)
}

func TestRunCollectGathersOutput(t *testing.T) {
	store, _ := testFixture(t)
	handle := newScriptedHandle()
	r := NewWithSpawner(store, &fakeSpawner{handle: handle})

	go func() {
		io.WriteString(handle.pw, "PLAY [check access]\n")
		io.WriteString(handle.pw, "ok: [host-1]\n")
		handle.finish(0)
	}()

	out, res, err := r.RunCollect(context.Background(), Spec{Playbook: "check_access.yml"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, out, "PLAY [check access]\n")
	assert.Contains(t, out, "ok: [host-1]\n")
}
