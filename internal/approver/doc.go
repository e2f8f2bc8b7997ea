// Package approver handles a sign-in request on the paired device.
//
// Run takes an Entry (a notification tap, a foreground tap, or a pending-action
// hand-off from the background processor) through three steps:
//
//  1. resolve_token: use the stored session; otherwise confirm presence with
//     the biometric gate, read the passkey and log in with it. A declined gate
//     or a missing passkey ends the run with OutcomeManualLogin before any
//     coordinator call.
//  2. fetch_request: by code, then by id, then the oldest pending request.
//     Nothing found ends with OutcomeNoRequest and no prompt.
//  3. present: the Presenter shows the code until the deadline. Pending-action
//     entries skip this step because the user already chose.
//
// Successful submissions carry an AutoDismiss delay; errors carry none so the
// surface waits for a manual dismiss. A countdown that runs out yields
// OutcomeExpired with the expiry grace and no approve or deny call.
package approver
