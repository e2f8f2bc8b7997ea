// Package background runs notification actions outside the foreground flow.
//
// The Processor may only look at the session slot and at whether a passkey
// exists; its Credentials interface has no method that returns passkey
// contents. With a token it submits the decision and posts a confirmation or
// error notification. Without one it posts a follow-up carrying
// pendingAction, requestId and code when a passkey exists (the foreground
// approver finishes the job after a presence check), or a plain sign-in
// notice when none does.
//
// Handlers are looked up through a Registry. Default returns the process-wide
// instance, which main fills in once at start-up.
package background
