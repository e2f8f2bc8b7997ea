// ABOUTME: Tests for device login status classification and request timing helpers
// ABOUTME: Covers terminal/failure sets and the expires-after-created invariant

package devicelogin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		failure  bool
	}{
		{StatusPending, false, false},
		{StatusApproved, true, false},
		{StatusDenied, true, true},
		{StatusExpired, true, true},
		{StatusNotFound, true, true},
		{StatusDeleted, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.failure, tt.status.IsFailure())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, Status("bogus").Valid())
}

func TestRequest_Validate(t *testing.T) {
	now := time.Now()

	r := Request{CreatedAt: now, ExpiresAt: now.Add(2 * time.Minute)}
	assert.NoError(t, r.Validate())

	r.ExpiresAt = now
	assert.ErrorIs(t, r.Validate(), ErrInvalidWindow)
}

func TestRequest_Remaining(t *testing.T) {
	now := time.Now()
	r := Request{CreatedAt: now, ExpiresAt: now.Add(10 * time.Second)}

	assert.Equal(t, 10*time.Second, r.Remaining(now))
	assert.Equal(t, time.Duration(0), r.Remaining(now.Add(time.Minute)))
	assert.False(t, r.IsExpired(now))
	assert.True(t, r.IsExpired(now.Add(10*time.Second)))
}

func TestResolvedFrame_Flat(t *testing.T) {
	f := ResolvedFrame{
		Frame:      Frame{Type: EventDeviceRequestResolved},
		Resolution: Resolution{RequestID: "abc", Status: StatusApproved, Token: "T"},
	}
	data, err := json.Marshal(f)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"type":"device_request_resolved","requestId":"abc","status":"approved","token":"T"}`, string(data))

	var res Resolution
	assert.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, f.Resolution, res)
}
