// Package lock keeps two deployer runs from sharing a working directory.
//
// The lock is a marker file holding the owner's PID. Markers are written to a
// temporary file and hard-linked into place, so a marker is never seen half
// written. A marker whose process is gone, or which is older than the stale
// lifetime, is taken over. Unreadable markers are honored for a short grace
// period first.
package lock
