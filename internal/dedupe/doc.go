// Package dedupe tracks which device requests this process has already acted
// on, so a request announced twice (push and realtime) opens the approver once.
package dedupe
