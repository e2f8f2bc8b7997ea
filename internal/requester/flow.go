// ABOUTME: Requester flow: create a device login request, wait for approval, establish the session
// ABOUTME: Polling and the realtime watcher race; the first terminal signal wins exactly once

package requester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-approve/internal/client"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/session"
)

// DefaultPollInterval is how often a pending request is polled.
const DefaultPollInterval = 2500 * time.Millisecond

const cancelTimeout = 5 * time.Second

// State is the requester's position in the handshake.
type State string

const (
	StateIdle             State = "idle"
	StateRequesting       State = "requesting"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateDenied           State = "denied"
	StateExpired          State = "expired"
	StateError            State = "error"
)

// Active reports whether a request is in flight.
func (s State) Active() bool {
	return s == StateRequesting || s == StateAwaitingApproval
}

// ErrorKind classifies why the flow ended in StateError.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindNetwork            ErrorKind = "network_error"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindRequestGone        ErrorKind = "request_gone"
	KindSession            ErrorKind = "session_error"
	KindUnknown            ErrorKind = "unknown"
)

var (
	// ErrAlreadyPending is returned by Start while a request is in flight.
	ErrAlreadyPending = errors.New("a device login request is already pending")
	// ErrCancelled is returned by Start when Cancel ran before the request was created.
	ErrCancelled = errors.New("device login cancelled")
)

// Coordinator is the part of the coordinator client the requester uses.
type Coordinator interface {
	RequestDeviceLogin(ctx context.Context, identifier, secret string) (*client.DeviceLoginTicket, error)
	PollDeviceRequest(ctx context.Context, id, watchToken string) (*client.PollResult, error)
	CancelDeviceRequest(ctx context.Context, id, watchToken string) error
}

// Watcher delivers push resolutions for one ticket until stop is called.
type Watcher interface {
	Watch(ticket client.DeviceLoginTicket, onResolved func(devicelogin.Resolution)) (stop func())
}

// Snapshot is the flow's observable state.
type Snapshot struct {
	State      State
	Identifier string
	RequestID  string
	Code       string
	ExpiresAt  time.Time
	Status     devicelogin.Status
	Identity   *devicelogin.Identity
	ErrorKind  ErrorKind
	Err        error
	// Source names the path that delivered the terminal signal: poll or realtime.
	Source string
}

// Options configures a Flow.
type Options struct {
	PollInterval time.Duration
	Watcher      Watcher
	Logger       *slog.Logger
}

// Flow runs one login attempt at a time.
type Flow struct {
	coord        Coordinator
	session      *session.State
	watcher      Watcher
	pollInterval time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	snap       Snapshot
	gen        uint64
	watchToken string
	stopWait   context.CancelFunc
	stopWatch  func()
	nudge      chan struct{}
	done       chan struct{}
	nextSub    int
	subs       map[int]func(Snapshot)
}

// New creates an idle flow.
func New(coord Coordinator, state *session.State, opts Options) *Flow {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Flow{
		coord:        coord,
		session:      state,
		watcher:      opts.Watcher,
		pollInterval: opts.PollInterval,
		logger:       logger.With("component", "requester"),
		snap:         Snapshot{State: StateIdle},
		done:         done,
		subs:         make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// Subscribe registers fn for every state change and returns an unsubscribe func.
func (f *Flow) Subscribe(fn func(Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Start creates a device login request and begins waiting for it. It returns
// once the request exists (or creation failed); use Wait for the outcome.
// An empty secret asks the coordinator to vouch for the requester through the
// current session. ctx bounds the whole attempt.
func (f *Flow) Start(ctx context.Context, identifier, secret string) error {
	f.mu.Lock()
	if f.snap.State.Active() {
		f.mu.Unlock()
		return ErrAlreadyPending
	}
	f.gen++
	gen := f.gen
	f.done = make(chan struct{})
	f.snap = Snapshot{State: StateRequesting, Identifier: identifier}
	snap := f.snap
	f.mu.Unlock()
	f.publish(snap)

	ticket, err := f.coord.RequestDeviceLogin(ctx, identifier, secret)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		if err == nil {
			f.abandon(ticket.RequestID, ticket.WatchToken)
		}
		return ErrCancelled
	}
	if err != nil {
		kind := classify(err)
		f.snap = Snapshot{State: StateError, Identifier: identifier, ErrorKind: kind, Err: err}
		snap = f.snap
		f.finishLocked()
		f.mu.Unlock()

		f.logger.Warn("device login request failed", "identifier", identifier, "kind", kind, "error", err)
		f.publish(snap)
		return err
	}

	waitCtx, stopWait := context.WithCancel(ctx)
	f.stopWait = stopWait
	f.watchToken = ticket.WatchToken
	f.nudge = make(chan struct{}, 1)
	f.snap = Snapshot{
		State:      StateAwaitingApproval,
		Identifier: identifier,
		RequestID:  ticket.RequestID,
		Code:       ticket.Code,
		ExpiresAt:  ticket.ExpiresAt,
		Status:     devicelogin.StatusPending,
	}
	snap = f.snap
	nudge := f.nudge
	f.mu.Unlock()

	f.logger.Info("awaiting approval", "request_id", ticket.RequestID, "code", ticket.Code)
	f.publish(snap)

	go f.pollLoop(waitCtx, gen, ticket.RequestID, ticket.WatchToken, nudge)
	go func() {
		<-waitCtx.Done()
		f.expireContext(gen)
	}()

	if f.watcher != nil && ticket.WatchToken != "" {
		stop := f.watcher.Watch(*ticket, func(res devicelogin.Resolution) {
			f.resolve(gen, ticket.RequestID, res, "realtime")
		})
		f.mu.Lock()
		if gen == f.gen && f.snap.State == StateAwaitingApproval {
			f.stopWatch = stop
			stop = nil
		}
		f.mu.Unlock()
		if stop != nil {
			// Resolved before the watcher was registered.
			stop()
		}
	}
	return nil
}

// Wait blocks until the current attempt reaches a terminal state, is
// cancelled, or ctx is done, and returns the snapshot at that point.
func (f *Flow) Wait(ctx context.Context) Snapshot {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return f.Snapshot()
}

// Cancel abandons the in-flight attempt: timers and the watcher stop together,
// late completions are ignored, and the coordinator is told on a best-effort basis.
func (f *Flow) Cancel(ctx context.Context) {
	f.mu.Lock()
	if !f.snap.State.Active() {
		f.mu.Unlock()
		return
	}
	f.gen++
	id, watch := f.snap.RequestID, f.watchToken
	f.snap = Snapshot{State: StateIdle}
	snap := f.snap
	stopWait, stopWatch := f.detachLocked()
	f.finishLocked()
	f.mu.Unlock()

	runStops(stopWait, stopWatch)
	f.logger.Info("device login cancelled", "request_id", id)
	f.publish(snap)

	if id != "" {
		ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
		defer cancel()
		if err := f.coord.CancelDeviceRequest(ctx, id, watch); err != nil {
			f.logger.Debug("cancel not delivered", "request_id", id, "error", err)
		}
	}
}

func (f *Flow) pollLoop(ctx context.Context, gen uint64, id, watchToken string, nudge <-chan struct{}) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-nudge:
		}
		if ctx.Err() != nil {
			return
		}

		res, err := f.coord.PollDeviceRequest(ctx, id, watchToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Retried on the next tick; only a recognized status ends the wait.
			f.logger.Debug("poll failed", "request_id", id, "error", err)
			continue
		}
		if res.Status == devicelogin.StatusPending {
			continue
		}
		f.resolve(gen, id, devicelogin.Resolution{
			RequestID: id,
			Status:    res.Status,
			Token:     res.Token,
			Identity:  res.Identity,
		}, "poll")
	}
}

// resolve applies a terminal signal. Only the first signal for the current
// generation takes effect; bumping the generation under the lock is the claim.
func (f *Flow) resolve(gen uint64, id string, res devicelogin.Resolution, source string) {
	if res.RequestID != "" && res.RequestID != id {
		return
	}
	if !res.Status.IsTerminal() {
		return
	}

	f.mu.Lock()
	if gen != f.gen || f.snap.State != StateAwaitingApproval {
		f.mu.Unlock()
		return
	}
	if res.Status == devicelogin.StatusApproved && res.Token == "" {
		// A push without the token; fetch it with an immediate poll.
		select {
		case f.nudge <- struct{}{}:
		default:
		}
		f.mu.Unlock()
		return
	}

	f.gen++
	snap := f.snap
	snap.Status = res.Status
	snap.Source = source
	stopWait, stopWatch := f.detachLocked()
	f.mu.Unlock()

	runStops(stopWait, stopWatch)

	switch res.Status {
	case devicelogin.StatusApproved:
		identity := devicelogin.Identity{Identifier: snap.Identifier}
		if res.Identity != nil {
			identity = *res.Identity
			if identity.Identifier == "" {
				identity.Identifier = snap.Identifier
			}
		}
		if err := f.session.Establish(res.Token, identity); err != nil {
			snap.State, snap.ErrorKind, snap.Err = StateError, KindSession, err
		} else {
			snap.State = StateApproved
			snap.Identity = &identity
		}
	case devicelogin.StatusDenied:
		snap.State = StateDenied
	case devicelogin.StatusExpired:
		snap.State = StateExpired
	default:
		snap.State = StateError
		snap.ErrorKind = KindRequestGone
		snap.Err = fmt.Errorf("request %s is %s", id, res.Status)
	}

	f.mu.Lock()
	f.snap = snap
	f.finishLocked()
	f.mu.Unlock()

	f.logger.Info("device login finished", "request_id", id, "status", res.Status, "source", source)
	f.publish(snap)
}

// expireContext handles the attempt's context ending before a terminal signal.
func (f *Flow) expireContext(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || f.snap.State != StateAwaitingApproval {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.Cancel(context.Background())
}

func (f *Flow) detachLocked() (context.CancelFunc, func()) {
	stopWait, stopWatch := f.stopWait, f.stopWatch
	f.stopWait, f.stopWatch = nil, nil
	f.watchToken = ""
	return stopWait, stopWatch
}

// finishLocked wakes Wait callers. f.mu must be held.
func (f *Flow) finishLocked() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *Flow) abandon(id, watch string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := f.coord.CancelDeviceRequest(ctx, id, watch); err != nil {
		f.logger.Debug("cancel not delivered", "request_id", id, "error", err)
	}
}

func (f *Flow) publish(s Snapshot) {
	f.mu.Lock()
	targets := make([]func(Snapshot), 0, len(f.subs))
	for _, fn := range f.subs {
		targets = append(targets, fn)
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(s)
	}
}

func runStops(stopWait context.CancelFunc, stopWatch func()) {
	if stopWait != nil {
		stopWait()
	}
	if stopWatch != nil {
		stopWatch()
	}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, client.ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, client.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, client.ErrUnauthorized), errors.Is(err, client.ErrNotSignedIn):
		return KindUnauthorized
	case client.IsNetwork(err), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindUnknown
	}
}
