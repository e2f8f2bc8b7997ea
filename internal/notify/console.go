// ABOUTME: Console scheduler printing notifications to a terminal
// ABOUTME: Colours by category using fatih/color

package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Console prints notifications.
type Console struct {
	Out io.Writer
	mu  sync.Mutex
}

// NewConsole writes to stderr.
func NewConsole() *Console {
	return &Console{Out: os.Stderr}
}

// Schedule implements Scheduler.
func (c *Console) Schedule(_ context.Context, n Notification) error {
	n = stamp(n)

	title := color.New(color.Bold)
	switch n.Category {
	case CategoryError:
		title.Add(color.FgRed)
	case CategoryConfirmation:
		title.Add(color.FgGreen)
	case CategoryPendingAction, CategorySignIn, CategoryDeviceApproval:
		title.Add(color.FgYellow)
	}

	var b strings.Builder
	b.WriteString(title.Sprint("● " + n.Title))
	if n.Body != "" {
		b.WriteString("\n  ")
		b.WriteString(n.Body)
	}
	if len(n.Data) > 0 {
		keys := make([]string, 0, len(n.Data))
		for k := range n.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		faint := color.New(color.Faint)
		for _, k := range keys {
			b.WriteString("\n  ")
			b.WriteString(faint.Sprintf("%s=%s", k, n.Data[k]))
		}
	}
	b.WriteString("\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprint(c.Out, b.String())
	return err
}
