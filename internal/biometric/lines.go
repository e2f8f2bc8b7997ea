// ABOUTME: Shared line reader for terminal prompts
// ABOUTME: One goroutine owns the input so a prompt that gives up cannot swallow the next answer

package biometric

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
)

// Line is one answer, or the error that ended input.
type Line struct {
	Text string
	Err  error
}

// LineReader hands lines from one reader to successive prompts, one waiter at
// a time. Input is only read while a prompt is waiting, and a line that
// completes after its prompt gave up is dropped rather than answering the next
// question.
type LineReader struct {
	r    io.Reader
	once sync.Once
	want chan struct{}

	mu      sync.Mutex
	waiter  *lineWaiter
	reading bool
	err     error
	stale   int
}

type lineWaiter struct {
	ctx context.Context
	ch  chan Line
}

// NewLineReader wraps r. Nothing is read until the first prompt waits.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, want: make(chan struct{}, 1)}
}

var (
	stdinOnce  sync.Once
	stdinLines *LineReader
)

// Stdin returns the process-wide reader for os.Stdin. Every prompt in the
// process reads through it.
func Stdin() *LineReader {
	stdinOnce.Do(func() { stdinLines = NewLineReader(os.Stdin) })
	return stdinLines
}

// Next makes the caller the waiter and returns a channel that yields the next
// line, or io.EOF (or the read error) once input is exhausted. Nothing is
// delivered once ctx has ended; the caller selects on ctx itself.
func (l *LineReader) Next(ctx context.Context) <-chan Line {
	l.once.Do(func() { go l.run() })

	ch := make(chan Line, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		ch <- Line{Err: l.err}
		return ch
	}
	l.waiter = &lineWaiter{ctx: ctx, ch: ch}
	// A read already in flight delivers to the new waiter.
	if !l.reading {
		l.reading = true
		l.want <- struct{}{}
	}
	return ch
}

// ReadLine waits for the next line. It returns ctx.Err() when ctx ends first.
func (l *LineReader) ReadLine(ctx context.Context) (string, error) {
	ch := l.Next(ctx)
	select {
	case line := <-ch:
		return line.Text, line.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *LineReader) run() {
	scanner := bufio.NewScanner(l.r)
	for range l.want {
		ok := scanner.Scan()

		l.mu.Lock()
		l.reading = false
		w := l.waiter
		l.waiter = nil
		if !ok {
			l.err = scanner.Err()
			if l.err == nil {
				l.err = io.EOF
			}
			if w != nil {
				w.ch <- Line{Err: l.err}
			}
			l.mu.Unlock()
			return
		}
		if w == nil || w.ctx.Err() != nil {
			l.stale++
		} else {
			w.ch <- Line{Text: scanner.Text()}
		}
		l.mu.Unlock()
	}
}

// dropped reports how many lines arrived with nobody waiting.
func (l *LineReader) dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stale
}
