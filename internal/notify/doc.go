// Package notify schedules local notifications on the approver device.
//
// The background action processor cannot render anything, so it reports
// through a Scheduler: Console prints, Outbox persists JSON lines for the next
// foreground process, Multi fans out to several, Recorder keeps them in memory.
// A follow-up carrying the pendingAction key is how work is handed from the
// background context to the foreground approver.
package notify
