// ABOUTME: Tests for the shared prompt line reader
// ABOUTME: Covers abandoned waits, stale lines, end of input, and sharing with the gate

package biometric

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReader_AbandonedWaitDoesNotKeepTheNextAnswer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	l := NewLineReader(pr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := l.ReadLine(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Nobody is asking any more; the next waiter gets the next line.
	answers := l.Next(context.Background())
	go func() { _, _ = pw.Write([]byte("a\n")) }()

	select {
	case line := <-answers:
		require.NoError(t, line.Err)
		assert.Equal(t, "a", line.Text)
	case <-time.After(time.Second):
		t.Fatal("answer never delivered")
	}
}

func TestLineReader_LateLineIsDropped(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	l := NewLineReader(pr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := l.ReadLine(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = pw.Write([]byte("late\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.dropped() == 1 }, time.Second, 5*time.Millisecond)

	answers := l.Next(context.Background())
	go func() { _, _ = pw.Write([]byte("fresh\n")) }()

	select {
	case line := <-answers:
		require.NoError(t, line.Err)
		assert.Equal(t, "fresh", line.Text)
	case <-time.After(time.Second):
		t.Fatal("answer never delivered")
	}
}

func TestLineReader_EndOfInputSticks(t *testing.T) {
	l := NewLineReader(strings.NewReader("only\n"))
	ctx := context.Background()

	line, err := l.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "only", line)

	_, err = l.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = l.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPromptGate_SharesLinesWithOtherPrompts(t *testing.T) {
	lines := NewLineReader(strings.NewReader("hunter2\ny\n"))
	ctx := context.Background()

	password, err := lines.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	g := &PromptGate{Out: &bytes.Buffer{}, Lines: lines, Interactive: interactive}
	assert.NoError(t, g.Authenticate(ctx, "Save passkey?"))
	assert.Zero(t, lines.dropped())
}
