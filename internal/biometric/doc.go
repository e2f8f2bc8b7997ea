// Package biometric wraps the platform presence check that guards passkey use.
//
// A Gate answers one question: is the device owner present? It never sees or
// returns credential material. Background contexts have no gate at all; only
// foreground surfaces construct one.
package biometric
