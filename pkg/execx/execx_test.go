package execx

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/types"
)

func TestRunCapturesOutput(t *testing.T) {
	g := New()
	res, err := g.Run(context.Background(), Cmd{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Zero(t, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	g := New()
	res, err := g.Run(context.Background(), Cmd{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunMissingBinary(t *testing.T) {
	g := New()
	_, err := g.Run(context.Background(), Cmd{Name: "hostkit-test-no-such-binary"})
	assert.Equal(t, types.ErrCommandNotFound, types.CodeOf(err))
}

func TestRunTimeout(t *testing.T) {
	g := New()
	start := time.Now()
	_, err := g.Run(context.Background(), Cmd{
		Name: "sh", Args: []string{"-c", "sleep 5"}, Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunStdin(t *testing.T) {
	g := New()
	res, err := g.Run(context.Background(), Cmd{Name: "cat", Stdin: strings.NewReader("piped")})
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)
}

func TestStreamFollowAndClose(t *testing.T) {
	g := New()
	stream, err := g.Start(context.Background(), Cmd{
		Name: "sh", Args: []string{"-c", "echo line1; echo line2; sleep 30"},
	})
	require.NoError(t, err)

	scanner := bufio.NewScanner(stream.Stdout)
	require.True(t, scanner.Scan())
	assert.Equal(t, "line1", scanner.Text())
	require.True(t, scanner.Scan())
	assert.Equal(t, "line2", scanner.Text())

	// Close terminates the child; must not hang on the sleep.
	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not terminate the subprocess")
	}
}
