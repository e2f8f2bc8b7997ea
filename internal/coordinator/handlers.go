// ABOUTME: HTTP handlers for login, device request lifecycle, push tokens, and realtime
// ABOUTME: Approval mints the requester's session token; every resolution is fanned out through the hub

package coordinator

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-approve/internal/auth"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/hub"
	"github.com/2389/coven-approve/internal/store"
)

type credentialsBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password,omitempty"`
}

type loginResponse struct {
	Token       string   `json:"token"`
	Identifier  string   `json:"identifier"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

type ticketResponse struct {
	RequestID  string    `json:"requestId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ExpiresIn  int       `json:"expiresIn"`
	WatchToken string    `json:"watchToken"`
}

type pollResponse struct {
	Status   devicelogin.Status    `json:"status"`
	Identity *devicelogin.Identity `json:"identity,omitempty"`
	Token    string                `json:"token,omitempty"`
}

type requestIDBody struct {
	RequestID string `json:"requestId"`
}

type pushTokenBody struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type pushTokenStatus struct {
	Registered bool       `json:"registered"`
	Platform   string     `json:"platform,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

type roleBody struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (c *Coordinator) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil || body.Identifier == "" || body.Password == "" {
		sendJSONError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	user, err := c.checkPassword(r.Context(), body.Identifier, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		c.sendStoreError(w, err)
		return
	}

	token, err := c.issuer.IssueSession(user.Identifier, user.Role, c.opts.TokenTTL)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}
	c.logger.Info("password login", "identifier", user.Identifier)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:       token,
		Identifier:  user.Identifier,
		Role:        user.Role,
		Permissions: user.Permissions,
	})
}

// handleCreateRequest accepts either a password or a session belonging to
// the identifier.
func (c *Coordinator) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil || body.Identifier == "" {
		sendJSONError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	if body.Password != "" {
		if _, err := c.checkPassword(r.Context(), body.Identifier, body.Password); err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				sendJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}
			c.sendStoreError(w, err)
			return
		}
	} else {
		a, ok := c.mw.Authenticate(r, auth.ScopeSession)
		if !ok {
			sendJSONError(w, http.StatusUnauthorized, "password or session required")
			return
		}
		if a.Identifier != body.Identifier {
			sendJSONError(w, http.StatusBadRequest, "session does not match identifier")
			return
		}
	}

	if !c.limiters.allow(body.Identifier, c.opts.Now()) {
		w.Header().Set("Retry-After", "60")
		sendJSONError(w, http.StatusTooManyRequests, "too many device login requests")
		return
	}

	req, err := c.createRequest(r.Context(), body.Identifier)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}
	// Outlives the request so an approved token can be collected until purge.
	watch, err := c.issuer.IssueWatch(req.Identifier, req.ID, c.opts.RequestTTL+c.opts.Retention)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}

	c.logger.Info("device request created", "request_id", req.ID, "identifier", req.Identifier)
	c.announce(req)

	writeJSON(w, http.StatusCreated, ticketResponse{
		RequestID:  req.ID,
		Code:       req.Code,
		ExpiresAt:  req.ExpiresAt,
		ExpiresIn:  int(c.opts.RequestTTL / time.Second),
		WatchToken: watch,
	})
}

// handlePoll reports a request's status to the holder of its watch token.
// Approved requests return the session token on every poll until the row is
// purged.
func (c *Coordinator) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if auth.FromContext(r.Context()).RequestID != id {
		sendJSONError(w, http.StatusForbidden, "watch token does not cover this request")
		return
	}

	req, err := c.store.GetDeviceRequest(r.Context(), id)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}

	resp := pollResponse{Status: req.Status}
	switch req.Status {
	case devicelogin.StatusPending:
		if !req.ExpiresAt.After(c.opts.Now()) {
			resp.Status = devicelogin.StatusExpired
		}
	case devicelogin.StatusApproved:
		identity, err := c.identity(r.Context(), req.Identifier)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				resp.Status = devicelogin.StatusDeleted
				break
			}
			c.sendStoreError(w, err)
			return
		}
		resp.Identity = identity
		resp.Token = req.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Coordinator) handleListRequests(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	reqs, err := c.store.ListDeviceRequests(r.Context(), a.Identifier, 0)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}
	out := make([]devicelogin.Request, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, req.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Coordinator) handleRequestByCode(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		sendJSONError(w, http.StatusBadRequest, "code is required")
		return
	}
	req, err := c.store.GetDeviceRequestByCode(r.Context(), auth.FromContext(r.Context()).Identifier, code)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req.Public())
}

func (c *Coordinator) handleResolve(status devicelogin.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body requestIDBody
		if err := decodeBody(r, &body); err != nil || body.RequestID == "" {
			sendJSONError(w, http.StatusBadRequest, "requestId is required")
			return
		}
		a := auth.FromContext(r.Context())
		if err := c.resolve(r.Context(), a.Identifier, body.RequestID, status); err != nil {
			c.sendStoreError(w, err)
			return
		}
		c.logger.Info("device request resolved", "request_id", body.RequestID, "status", status, "by", a.Identifier)
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	}
}

// handleCancel marks a request deleted on behalf of its requester (watch
// token for that request) or its owner (session).
func (c *Coordinator) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body requestIDBody
	if err := decodeBody(r, &body); err != nil || body.RequestID == "" {
		sendJSONError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	a := auth.FromContext(r.Context())
	if a.Scope == auth.ScopeWatch && a.RequestID != body.RequestID {
		sendJSONError(w, http.StatusForbidden, "watch token does not cover this request")
		return
	}

	req, err := c.store.GetDeviceRequest(r.Context(), body.RequestID)
	if err == nil && req.Identifier != a.Identifier {
		err = store.ErrNotFound
	}
	if err == nil {
		err = c.store.ResolveDeviceRequest(r.Context(), body.RequestID, store.Resolution{
			Status:     devicelogin.StatusDeleted,
			ResolvedBy: a.Identifier,
			At:         c.opts.Now().UTC(),
		})
	}
	if err != nil {
		c.sendStoreError(w, err)
		return
	}

	c.logger.Info("device request cancelled", "request_id", body.RequestID)
	c.publishResolved(req.Identifier, devicelogin.Resolution{RequestID: body.RequestID, Status: devicelogin.StatusDeleted})
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var body pushTokenBody
	if err := decodeBody(r, &body); err != nil || body.Token == "" {
		sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}
	if body.Platform == "" {
		body.Platform = "unknown"
	}
	a := auth.FromContext(r.Context())
	if err := c.store.UpsertPushToken(r.Context(), &store.PushToken{
		Identifier: a.Identifier,
		Token:      body.Token,
		Platform:   body.Platform,
		UpdatedAt:  c.opts.Now().UTC(),
	}); err != nil {
		c.sendStoreError(w, err)
		return
	}
	c.logger.Info("push token registered", "identifier", a.Identifier, "platform", body.Platform)
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) handlePushTokenStatus(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	tokens, err := c.store.ListPushTokens(r.Context(), a.Identifier)
	if err != nil {
		c.sendStoreError(w, err)
		return
	}
	var status pushTokenStatus
	if len(tokens) > 0 {
		status.Registered = true
		status.Platform = tokens[0].Platform
		status.UpdatedAt = &tokens[0].UpdatedAt
	}
	writeJSON(w, http.StatusOK, status)
}

func (c *Coordinator) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	var body roleBody
	if err := decodeBody(r, &body); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Role != store.RoleUser && body.Role != store.RoleAdmin {
		sendJSONError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}
	if err := c.store.UpdateUserRole(r.Context(), identifier, body.Role, body.Permissions); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		c.sendStoreError(w, err)
		return
	}

	_ = c.hub.Publish(hub.UserSubject(identifier), devicelogin.PermissionsFrame{
		Frame:    devicelogin.Frame{Type: devicelogin.EventPermissionsChanged},
		Identity: devicelogin.Identity{Identifier: identifier, Role: body.Role, Permissions: body.Permissions},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	ids, err := c.store.DeleteUser(r.Context(), identifier, c.opts.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		c.sendStoreError(w, err)
		return
	}

	for _, id := range ids {
		c.publishResolved(identifier, devicelogin.Resolution{RequestID: id, Status: devicelogin.StatusDeleted})
	}
	_ = c.hub.Publish(hub.UserSubject(identifier), devicelogin.UserDeletedFrame{
		Frame:      devicelogin.Frame{Type: devicelogin.EventUserDeleted},
		Identifier: identifier,
	})
	c.logger.Info("user deleted", "identifier", identifier, "requests_cancelled", len(ids))
	w.WriteHeader(http.StatusNoContent)
}

// handleWebsocket subscribes a session to its user's frames (plus admin frames
// for administrators) and a watch token to its single request.
func (c *Coordinator) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sub := hub.Subscription{Identifier: a.Identifier}
	if a.Scope == auth.ScopeWatch {
		sub.Subjects = []string{hub.RequestSubject(a.RequestID)}
	} else {
		sub.Subjects = []string{hub.UserSubject(a.Identifier)}
		if a.IsAdmin() {
			sub.Subjects = append(sub.Subjects, hub.AdminSubject)
		}
		sub.Presence = true
	}
	c.hub.Serve(w, r, sub)
}
