// ABOUTME: Tests for the coordinator client against an httptest server
// ABOUTME: Covers the error taxonomy, the unauthorized hook, poll mapping, and timeouts

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-approve/internal/devicelogin"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, opts...), srv
}

func TestLogin_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body loginBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0700000000", body.Identifier)
		assert.Equal(t, "secret", body.Password)

		writeJSON(w, http.StatusOK, LoginResult{Token: "tok", Identifier: "0700000000", Role: "member"})
	})

	res, err := c.Login(context.Background(), "0700000000", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok", res.Token)
	assert.Equal(t, "member", res.Identity().Role)
}

func TestLogin_InvalidCredentialsDoesNotFireHook(t *testing.T) {
	var fired atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid credentials"})
	}, WithUnauthorizedHandler(func() { fired.Store(true) }))

	_, err := c.Login(context.Background(), "a", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.False(t, fired.Load())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid credentials", apiErr.Message)
}

func TestAuthenticatedCall_UnauthorizedFiresHook(t *testing.T) {
	var fired atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer stale", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token expired"})
	},
		WithTokenSource(TokenFunc(func() string { return "stale" })),
		WithUnauthorizedHandler(func() { fired.Add(1) }),
	)

	_, err := c.ListDeviceRequests(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), fired.Load())
}

func TestAuthenticatedCall_ForbiddenFiresHook(t *testing.T) {
	var fired atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	},
		WithTokenSource(TokenFunc(func() string { return "tok" })),
		WithUnauthorizedHandler(func() { fired.Store(true) }),
	)

	err := c.Approve(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, fired.Load())
}

func TestAuthenticatedCall_NoToken(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := c.ListDeviceRequests(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Equal(t, int32(0), hits.Load(), "no request should be sent without a token")
}

func TestNetworkFailure_DoesNotFireHook(t *testing.T) {
	var fired atomic.Bool
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url,
		WithTokenSource(TokenFunc(func() string { return "tok" })),
		WithUnauthorizedHandler(func() { fired.Store(true) }),
	)

	_, err := c.ListDeviceRequests(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.False(t, fired.Load())
}

func TestNetworkFailure_CallerCancelIsNotNetwork(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.PollDeviceRequest(ctx, "r1", "w")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsNetwork(err))
}

func TestRequestTimeout_IsNetwork(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, WithTimeouts(30*time.Millisecond, time.Second))

	_, err := c.PollDeviceRequest(context.Background(), "r1", "w")
	assert.True(t, IsNetwork(err), "got %v", err)
}

func TestRequestDeviceLogin_UsesLongTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		writeJSON(w, http.StatusCreated, DeviceLoginTicket{
			RequestID: "abc", Code: "482193", ExpiresIn: 120, WatchToken: "w",
		})
	}, WithTimeouts(20*time.Millisecond, 2*time.Second))

	ticket, err := c.RequestDeviceLogin(context.Background(), "0700000000", "secret")
	require.NoError(t, err)
	assert.Equal(t, "abc", ticket.RequestID)
	assert.Equal(t, "482193", ticket.Code)
	assert.Equal(t, "w", ticket.WatchToken)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), ticket.ExpiresAt, 5*time.Second)
}

func TestRequestDeviceLogin_WithoutSecretUsesSession(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sess", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusCreated, DeviceLoginTicket{RequestID: "abc", Code: "111111"})
	}, WithTokenSource(TokenFunc(func() string { return "sess" })))

	_, err := c.RequestDeviceLogin(context.Background(), "0700000000", "")
	require.NoError(t, err)
}

func TestRequestDeviceLogin_RateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "slow down"})
	})

	_, err := c.RequestDeviceLogin(context.Background(), "0700000000", "secret")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestPollDeviceRequest_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       any
		wantStatus devicelogin.Status
		wantErr    bool
	}{
		{"pending", http.StatusOK, PollResult{Status: devicelogin.StatusPending}, devicelogin.StatusPending, false},
		{"approved", http.StatusOK, PollResult{Status: devicelogin.StatusApproved, Token: "T"}, devicelogin.StatusApproved, false},
		{"denied", http.StatusOK, PollResult{Status: devicelogin.StatusDenied}, devicelogin.StatusDenied, false},
		{"unknown id", http.StatusNotFound, errorBody{Error: "not found"}, devicelogin.StatusNotFound, false},
		{"gone", http.StatusGone, errorBody{Error: "expired"}, devicelogin.StatusExpired, false},
		{"approved without token", http.StatusOK, PollResult{Status: devicelogin.StatusApproved}, "", true},
		{"bogus status", http.StatusOK, map[string]string{"status": "maybe"}, "", true},
		{"server error", http.StatusInternalServerError, errorBody{Error: "boom"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/device/poll/abc", r.URL.Path)
				assert.Equal(t, "Bearer watch-abc", r.Header.Get("Authorization"))
				writeJSON(w, tt.status, tt.body)
			})

			res, err := c.PollDeviceRequest(context.Background(), "abc", "watch-abc")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
		})
	}
}

func TestPollDeviceRequest_RequiresWatchToken(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, PollResult{Status: devicelogin.StatusPending})
	})

	_, err := c.PollDeviceRequest(context.Background(), "abc", "")
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Zero(t, hits.Load())
}

func TestApproveThenDeny_Conflict(t *testing.T) {
	var resolved atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !resolved.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "already resolved"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	}, WithTokenSource(TokenFunc(func() string { return "tok" })))

	require.NoError(t, c.Approve(context.Background(), "r1"))
	err := c.Deny(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestGetRequestByCode(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") != "482193" {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "no such code"})
			return
		}
		writeJSON(w, http.StatusOK, devicelogin.Request{
			ID: "abc", Code: "482193", Identifier: "0700000000",
			Status: devicelogin.StatusPending, CreatedAt: now, ExpiresAt: now.Add(2 * time.Minute),
		})
	}, WithTokenSource(TokenFunc(func() string { return "tok" })))

	req, err := c.GetRequestByCode(context.Background(), "482193")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "abc", req.ID)
	assert.True(t, req.ExpiresAt.Equal(now.Add(2*time.Minute)))

	req, err = c.GetRequestByCode(context.Background(), "000000")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestCancelDeviceRequest_UsesWatchToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/cancel", r.URL.Path)
		assert.Equal(t, "Bearer watch", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}, WithTokenSource(TokenFunc(func() string { return "session" })))

	assert.NoError(t, c.CancelDeviceRequest(context.Background(), "abc", "watch"))
}

func TestPushTokenStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body pushTokenBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "fcm-token", body.Token)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, PushTokenStatus{Registered: true, Platform: "android"})
		}
	}, WithTokenSource(TokenFunc(func() string { return "tok" })))

	require.NoError(t, c.RegisterPushToken(context.Background(), "fcm-token", "android"))
	st, err := c.PushTokenStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.Equal(t, "android", st.Platform)
}
