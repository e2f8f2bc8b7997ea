// Package vault is the device's credential vault.
//
// It holds two slots in one directory:
//
//   - session: the bearer token and identity for the signed-in user. Written only
//     by login and approval-success paths; every reader re-reads the file.
//   - passkey: the identifier+secret replayed through a normal login after a
//     presence check. HasPasskey checks existence without a prompt; Passkey runs
//     the biometric gate before decrypting.
//
// Slots are sealed with XChaCha20-Poly1305 under a per-device key file and are
// replaced atomically.
package vault
