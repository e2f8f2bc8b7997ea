// ABOUTME: Tests for payload parsing and the notification schedulers
// ABOUTME: Outbox pending/ack round trips and console formatting

package notify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntry(t *testing.T) {
	e := ParseEntry(map[string]string{
		"requestId":     "abc",
		"code":          "482193",
		"pendingAction": "approve",
		"other":         "ignored",
	})
	assert.Equal(t, Entry{RequestID: "abc", Code: "482193", PendingAction: "approve"}, e)

	assert.Equal(t, Entry{}, ParseEntry(nil))
}

func TestEntryData_OmitsEmpty(t *testing.T) {
	data := Entry{RequestID: "r1"}.Data()
	assert.Equal(t, map[string]string{"requestId": "r1"}, data)
}

func TestOutbox_PendingAndAck(t *testing.T) {
	ctx := context.Background()
	ob := NewOutbox(filepath.Join(t.TempDir(), "sub", OutboxFile))

	n, err := ob.Pending()
	require.NoError(t, err)
	assert.Nil(t, n)

	require.NoError(t, ob.Schedule(ctx, Notification{Title: "Approved", Category: CategoryConfirmation}))
	require.NoError(t, ob.Schedule(ctx, Notification{
		Title:    "Confirm sign-in",
		Category: CategoryPendingAction,
		Data:     Entry{RequestID: "r1", Code: "111111", PendingAction: "approve"}.Data(),
	}))
	require.NoError(t, ob.Schedule(ctx, Notification{
		Title:    "Confirm sign-in",
		Category: CategoryPendingAction,
		Data:     Entry{RequestID: "r2", PendingAction: "deny"}.Data(),
	}))

	n, err = ob.Pending()
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "r2", n.Data[KeyRequestID])
	assert.NotEmpty(t, n.ID)

	require.NoError(t, ob.Ack(n.ID))
	n, err = ob.Pending()
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "r1", n.Data[KeyRequestID])

	all, err := ob.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOutbox_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), OutboxFile)
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{\"id\":\"x\",\"title\":\"ok\"}\n"), 0600))

	all, err := NewOutbox(path).All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "x", all[0].ID)
}

func TestConsole_Schedule(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{Out: &buf}

	require.NoError(t, c.Schedule(context.Background(), Notification{
		Title: "Sign-in approved",
		Body:  "Request r1 was approved",
		Data:  map[string]string{"requestId": "r1"},
	}))

	out := buf.String()
	assert.Contains(t, out, "Sign-in approved")
	assert.Contains(t, out, "Request r1 was approved")
	assert.Contains(t, out, "requestId=r1")
}

type failingScheduler struct{}

func (failingScheduler) Schedule(context.Context, Notification) error {
	return errors.New("boom")
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, failingScheduler{}, b}

	err := m.Schedule(context.Background(), Notification{Title: "hi"})
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, a.Count())
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, a.All()[0].ID, b.All()[0].ID, "fan-out shares one id")
}
