package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/guseggert/repeatexec/internal/fifotest"
	"github.com/guseggert/repeatexec/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runLoop(ctx context.Context, h *harness, in io.Reader, shutdown, aborted <-chan struct{}) <-chan error {
	errCh := make(chan error, 1)
	loop := NewLoop(h.sup, in, shutdown, aborted, zap.NewNop().Sugar())
	go func() { errCh <- loop.Run(ctx) }()
	return errCh
}

func TestLoopStatusBytes(t *testing.T) {
	h := newHarness(t, runner.Config{})
	in := strings.Join([]string{
		`{"path":"/bin/true","args":[]}`,
		``,
		`   `,
		`{"path":"/bin/false","args":[]}`,
		`not a descriptor`,
		`{"path":"/bin/doesnotexist","args":[]}`,
		`{"path":"/bin/sh","args":["-c","exit 9"]}`,
		`{"path":"/bin/sh","args":["-c","kill -9 $$"]}`,
	}, "\n") + "\n"

	err := fifotest.Wait(t, runLoop(context.Background(), h, strings.NewReader(in), nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, byte(StatusMalformed), byte(StatusStartFailed), 9, byte(StatusSignaled)}, h.status.Bytes())
}

func TestLoopFallbackThroughTracer(t *testing.T) {
	h := newHarness(t, runner.Config{})
	h.sup.resolver = mustResolver(t, h.tracedConfig(t))
	in := strings.Join([]string{
		`{"path":"/bin/true","args":[]}`,
		`{"path":"/bin/false","args":[]}`,
		`{"path":"/bin/doesnotexist","args":[]}`,
		`{"path":"/bin/false","args":[]}`,
		`{"path":"/bin/sh","args":["-c","exit 127"]}`,
	}, "\n") + "\n"

	require.NoError(t, fifotest.Wait(t, runLoop(context.Background(), h, strings.NewReader(in), nil, nil)))
	// a missing program never reaches the tracer, so it can't show up as the tracer's exit code
	assert.Equal(t, []byte{0, 1, byte(StatusStartFailed), 1, 127}, h.status.Bytes())
}

func TestLoopUnterminatedLastLine(t *testing.T) {
	h := newHarness(t, runner.Config{})
	in := `{"path":"/bin/true"}` + "\n" + `{"path":"/bin/false"}`

	require.NoError(t, fifotest.Wait(t, runLoop(context.Background(), h, strings.NewReader(in), nil, nil)))
	assert.Equal(t, []byte{0}, h.status.Bytes())
}

func TestLoopSequential(t *testing.T) {
	// every status byte is written before the next line is read
	h := newHarness(t, runner.Config{})
	r, w := io.Pipe()
	t.Cleanup(func() { r.Close() })
	errCh := runLoop(context.Background(), h, r, nil, nil)

	for _, c := range []struct {
		line   string
		status byte
	}{
		{`{"path":"/bin/sh","args":["-c","exit 4"]}`, 4},
		{`{"path":"/bin/true"}`, 0},
		{`{"path":"/bin/sh","args":["-c","exit 2"]}`, 2},
	} {
		_, err := io.WriteString(w, c.line+"\n")
		require.NoError(t, err)
		assert.Equal(t, c.status, fifotest.Wait(t, (<-chan byte)(h.status.writes)))
	}
	require.NoError(t, w.Close())
	require.NoError(t, fifotest.Wait(t, errCh))
	assert.Equal(t, []byte{4, 0, 2}, h.status.Bytes())
}

func TestLoopStdioPerExecution(t *testing.T) {
	// the caller writes a line, then opens stdin and stdout, then waits for the status byte
	h := newHarness(t, runner.Config{})
	r, w := io.Pipe()
	t.Cleanup(func() { r.Close() })
	errCh := runLoop(context.Background(), h, r, nil, nil)

	for _, c := range []struct {
		line  string
		stdin string
		want  string
	}{
		{`{"path":"/bin/true"}`, "meant-for-true\n", ""},
		{`{"path":"/bin/cat"}`, "meant-for-cat\n", "meant-for-cat\n"},
		{`{"path":"/bin/sh","args":["-c","exit 0"]}`, "meant-for-sh\n", ""},
		{`{"path":"/bin/cat"}`, "cat-again\n", "cat-again\n"},
	} {
		_, err := io.WriteString(w, c.line+"\n")
		require.NoError(t, err)
		stdin := fifotest.WriteAll(t, h.pipes.Stdin, []byte(c.stdin))
		stdout := fifotest.ReadAll(t, h.pipes.Stdout)
		assert.Equal(t, byte(0), fifotest.Wait(t, (<-chan byte)(h.status.writes)), c.line)
		fifotest.Wait(t, stdin)
		assert.Equal(t, c.want, string(fifotest.Wait(t, stdout)), c.line)
	}
	require.NoError(t, w.Close())
	require.NoError(t, fifotest.Wait(t, errCh))
}

func TestLoopShutdown(t *testing.T) {
	h := newHarness(t, runner.Config{})
	marker := filepath.Join(h.dir, "b-ran")
	in := `{"path":"/bin/sh","args":["-c","sleep 0.3; exit 6"]}` + "\n" +
		`{"path":"/bin/touch","args":["` + marker + `"]}` + "\n"

	shutdown := make(chan struct{})
	errCh := runLoop(context.Background(), h, strings.NewReader(in), shutdown, nil)
	h.waitRunning(t)
	close(shutdown)

	require.NoError(t, fifotest.Wait(t, errCh))
	assert.Equal(t, []byte{6}, h.status.Bytes(), "the running execution still reports")
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "nothing is dispatched after a shutdown")
}

func TestLoopShutdownWhileIdle(t *testing.T) {
	h := newHarness(t, runner.Config{})
	r, w := io.Pipe()
	t.Cleanup(func() {
		w.Close()
		r.Close()
	})
	shutdown := make(chan struct{})
	errCh := runLoop(context.Background(), h, r, shutdown, nil)
	close(shutdown)
	require.NoError(t, fifotest.Wait(t, errCh))
	assert.Empty(t, h.status.Bytes())
}

func TestLoopAbort(t *testing.T) {
	h := newHarness(t, runner.Config{})
	in := `{"path":"/bin/true"}` + "\n" + `{"path":"/bin/sleep","args":["30"]}` + "\n" + `{"path":"/bin/true"}` + "\n"

	aborted := make(chan struct{})
	errCh := runLoop(context.Background(), h, strings.NewReader(in), nil, aborted)
	assert.Equal(t, byte(0), fifotest.Wait(t, (<-chan byte)(h.status.writes)))
	h.waitRunning(t)

	h.sup.Abort()
	close(aborted)
	require.ErrorIs(t, fifotest.Wait(t, errCh), ErrAborted)
	assert.Equal(t, []byte{0}, h.status.Bytes(), "no status for the aborted execution")
}

func TestLoopReadError(t *testing.T) {
	h := newHarness(t, runner.Config{})
	r, w := io.Pipe()
	errCh := runLoop(context.Background(), h, r, nil, nil)
	w.CloseWithError(io.ErrUnexpectedEOF)
	err := fifotest.Wait(t, errCh)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
