// ABOUTME: Shared behaviour tests run against both SQLiteStore and MockStore
// ABOUTME: Covers users, request lifecycle, resolve-once races, expiry, purge, and push tokens

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-approve/internal/devicelogin"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against a fresh instance of every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s Store, identifier string) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), &User{
		Identifier:   identifier,
		PasswordHash: "hash",
		Role:         RoleUser,
		Permissions:  []string{"read"},
		CreatedAt:    epoch,
	}))
}

func seedRequest(t *testing.T, s Store, id, code, identifier string, created time.Time) *DeviceRequest {
	t.Helper()
	r := &DeviceRequest{
		ID:         id,
		Code:       code,
		Identifier: identifier,
		CreatedAt:  created,
		ExpiresAt:  created.Add(2 * time.Minute),
	}
	require.NoError(t, s.CreateDeviceRequest(context.Background(), r))
	return r
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestUsers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "0700000000")

		err := s.CreateUser(ctx, &User{Identifier: "0700000000", PasswordHash: "x", Role: RoleUser, CreatedAt: epoch})
		assert.ErrorIs(t, err, ErrDuplicate)

		u, err := s.GetUser(ctx, "0700000000")
		require.NoError(t, err)
		assert.Equal(t, RoleUser, u.Role)
		assert.Equal(t, []string{"read"}, u.Permissions)
		assert.True(t, u.CreatedAt.Equal(epoch))

		require.NoError(t, s.UpdateUserRole(ctx, "0700000000", RoleAdmin, []string{"read", "approve"}))
		u, err = s.GetUser(ctx, "0700000000")
		require.NoError(t, err)
		assert.Equal(t, RoleAdmin, u.Role)
		assert.Equal(t, devicelogin.Identity{Identifier: "0700000000", Role: RoleAdmin, Permissions: []string{"read", "approve"}}, u.Identity())

		assert.ErrorIs(t, s.UpdateUserRole(ctx, "nobody", RoleUser, nil), ErrNotFound)
		_, err = s.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateDeviceRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRequest(t, s, "abc", "482193", "0700000000", epoch)
		assert.Equal(t, devicelogin.StatusPending, r.Status)

		got, err := s.GetDeviceRequest(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "482193", got.Code)
		assert.Equal(t, devicelogin.StatusPending, got.Status)
		assert.True(t, got.ExpiresAt.Equal(epoch.Add(2*time.Minute)))
		assert.Nil(t, got.ResolvedAt)
		assert.Empty(t, got.Token)

		pub := got.Public()
		require.NoError(t, pub.Validate())
		assert.Equal(t, "abc", pub.ID)

		// A pending code cannot be reused.
		err = s.CreateDeviceRequest(ctx, &DeviceRequest{
			ID: "def", Code: "482193", Identifier: "0700000001",
			CreatedAt: epoch, ExpiresAt: epoch.Add(time.Minute),
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		// expiresAt must follow createdAt.
		err = s.CreateDeviceRequest(ctx, &DeviceRequest{
			ID: "bad", Code: "000001", Identifier: "0700000000",
			CreatedAt: epoch, ExpiresAt: epoch,
		})
		assert.ErrorIs(t, err, devicelogin.ErrInvalidWindow)

		_, err = s.GetDeviceRequest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCodeReusableAfterResolution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRequest(t, s, "old", "111111", "0700000000", epoch)
		require.NoError(t, s.ResolveDeviceRequest(ctx, "old", Resolution{
			Status: devicelogin.StatusDenied, ResolvedBy: "0700000000", At: epoch.Add(time.Second),
		}))

		seedRequest(t, s, "new", "111111", "0700000000", epoch.Add(5*time.Second))

		got, err := s.GetDeviceRequestByCode(ctx, "0700000000", "111111")
		require.NoError(t, err)
		assert.Equal(t, "new", got.ID, "pending request wins the code lookup")

		_, err = s.GetDeviceRequestByCode(ctx, "0700000000", "999999")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetDeviceRequestByCode_OnlyOwnRequests(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRequest(t, s, "mine", "111111", "0700000000", epoch)
		require.NoError(t, s.ResolveDeviceRequest(ctx, "mine", Resolution{
			Status: devicelogin.StatusApproved, ResolvedBy: "0700000000", Token: "tok", At: epoch.Add(time.Second),
		}))

		// Someone else's newer request with the same code, first resolved then pending.
		seedRequest(t, s, "theirs", "111111", "0700000001", epoch.Add(5*time.Second))
		require.NoError(t, s.ResolveDeviceRequest(ctx, "theirs", Resolution{
			Status: devicelogin.StatusDenied, ResolvedBy: "0700000001", At: epoch.Add(6 * time.Second),
		}))
		seedRequest(t, s, "theirs-pending", "111111", "0700000001", epoch.Add(10*time.Second))

		got, err := s.GetDeviceRequestByCode(ctx, "0700000000", "111111")
		require.NoError(t, err)
		assert.Equal(t, "mine", got.ID)

		got, err = s.GetDeviceRequestByCode(ctx, "0700000001", "111111")
		require.NoError(t, err)
		assert.Equal(t, "theirs-pending", got.ID)

		_, err = s.GetDeviceRequestByCode(ctx, "0700000002", "111111")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListDeviceRequests_OldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRequest(t, s, "r2", "000002", "0700000000", epoch.Add(2*time.Second))
		seedRequest(t, s, "r1", "000001", "0700000000", epoch.Add(time.Second))
		seedRequest(t, s, "r3", "000003", "0700000000", epoch.Add(3*time.Second))
		seedRequest(t, s, "other", "000004", "0700000009", epoch)

		list, err := s.ListDeviceRequests(ctx, "0700000000", 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"r1", "r2", "r3"}, []string{list[0].ID, list[1].ID, list[2].ID})

		list, err = s.ListDeviceRequests(ctx, "0700000000", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "r2", list[0].ID, "limit keeps the newest, still oldest first")
	})
}

func TestResolveDeviceRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRequest(t, s, "abc", "482193", "0700000000", epoch)
		at := epoch.Add(10 * time.Second)

		require.NoError(t, s.ResolveDeviceRequest(ctx, "abc", Resolution{
			Status: devicelogin.StatusApproved, ResolvedBy: "0700000000", Token: "T", At: at,
		}))

		got, err := s.GetDeviceRequest(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, devicelogin.StatusApproved, got.Status)
		assert.Equal(t, "T", got.Token)
		assert.Equal(t, "0700000000", got.ResolvedBy)
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, got.ResolvedAt.Equal(at))

		err = s.ResolveDeviceRequest(ctx, "abc", Resolution{Status: devicelogin.StatusDenied, At: at})
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		got, err = s.GetDeviceRequest(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, devicelogin.StatusApproved, got.Status, "second resolution changes nothing")

		err = s.ResolveDeviceRequest(ctx, "missing", Resolution{Status: devicelogin.StatusDenied, At: at})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResolveDeviceRequest_PastExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := seedRequest(t, s, "abc", "482193", "0700000000", epoch)

		err := s.ResolveDeviceRequest(ctx, "abc", Resolution{
			Status: devicelogin.StatusApproved, Token: "T", At: r.ExpiresAt,
		})
		assert.ErrorIs(t, err, ErrExpired)

		got, err := s.GetDeviceRequest(ctx, "abc")
		require.NoError(t, err)
		assert.Empty(t, got.Token)
	})
}

func TestResolveDeviceRequest_ConcurrentSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRequest(t, s, "abc", "482193", "0700000000", epoch)

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			status := devicelogin.StatusApproved
			if i%2 == 1 {
				status = devicelogin.StatusDenied
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.ResolveDeviceRequest(ctx, "abc", Resolution{Status: status, At: epoch.Add(time.Second)})
			}()
		}
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyResolved):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
	})
}

func TestExpireAndPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRequest(t, s, "old", "000001", "0700000000", epoch)
		seedRequest(t, s, "fresh", "000002", "0700000000", epoch.Add(time.Minute))

		expired, err := s.ExpireDeviceRequests(ctx, epoch.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "old", expired[0].ID)
		assert.Equal(t, devicelogin.StatusExpired, expired[0].Status)

		got, err := s.GetDeviceRequest(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, devicelogin.StatusExpired, got.Status)

		err = s.ResolveDeviceRequest(ctx, "old", Resolution{Status: devicelogin.StatusApproved, At: epoch})
		assert.ErrorIs(t, err, ErrExpired)

		again, err := s.ExpireDeviceRequests(ctx, epoch.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, again, "already expired rows are not reported twice")

		n, err := s.PurgeDeviceRequests(ctx, epoch.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "pending rows are never purged")

		_, err = s.GetDeviceRequest(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDeviceRequest(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestDeleteUser_MarksRequestsDeleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "0700000000")
		seedRequest(t, s, "p1", "000001", "0700000000", epoch)
		seedRequest(t, s, "p2", "000002", "0700000000", epoch.Add(time.Second))
		seedRequest(t, s, "d1", "000003", "0700000000", epoch)
		require.NoError(t, s.ResolveDeviceRequest(ctx, "d1", Resolution{Status: devicelogin.StatusDenied, At: epoch.Add(time.Second)}))
		require.NoError(t, s.UpsertPushToken(ctx, &PushToken{Identifier: "0700000000", Token: "push-1", Platform: "android", UpdatedAt: epoch}))

		ids, err := s.DeleteUser(ctx, "0700000000", epoch.Add(5*time.Second))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

		for _, id := range []string{"p1", "p2"} {
			got, err := s.GetDeviceRequest(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, devicelogin.StatusDeleted, got.Status)

			err = s.ResolveDeviceRequest(ctx, id, Resolution{Status: devicelogin.StatusApproved, At: epoch.Add(6 * time.Second)})
			assert.ErrorIs(t, err, ErrNotFound)
		}
		got, err := s.GetDeviceRequest(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, devicelogin.StatusDenied, got.Status)

		tokens, err := s.ListPushTokens(ctx, "0700000000")
		require.NoError(t, err)
		assert.Empty(t, tokens)

		_, err = s.DeleteUser(ctx, "0700000000", epoch)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPushTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUser(t, s, "0700000000")

		require.NoError(t, s.UpsertPushToken(ctx, &PushToken{Identifier: "0700000000", Token: "a", Platform: "android", UpdatedAt: epoch}))
		require.NoError(t, s.UpsertPushToken(ctx, &PushToken{Identifier: "0700000000", Token: "b", Platform: "ios", UpdatedAt: epoch.Add(time.Second)}))
		require.NoError(t, s.UpsertPushToken(ctx, &PushToken{Identifier: "0700000000", Token: "a", Platform: "android", UpdatedAt: epoch.Add(2 * time.Second)}))

		tokens, err := s.ListPushTokens(ctx, "0700000000")
		require.NoError(t, err)
		require.Len(t, tokens, 2)
		assert.Equal(t, "a", tokens[0].Token, "newest first")

		require.NoError(t, s.DeletePushToken(ctx, "a"))
		tokens, err = s.ListPushTokens(ctx, "0700000000")
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, "b", tokens[0].Token)

		err = s.UpsertPushToken(ctx, &PushToken{Identifier: "ghost", Token: "c", Platform: "ios", UpdatedAt: epoch})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
