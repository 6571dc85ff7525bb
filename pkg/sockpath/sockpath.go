// Package sockpath locates the relayd control socket. relayd and relayctl
// use it to agree on where the API listens.
package sockpath

import (
	"os"
	"path/filepath"
)

// EnvSocket overrides the default socket location.
const EnvSocket = "RELAY_SOCKET"

// DefaultSocketPath prefers $XDG_RUNTIME_DIR/relay/relayd.sock and falls
// back to ~/.config/relay/relayd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "relay", "relayd.sock")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "relay", "relayd.sock")
}

// Resolve returns explicit when set, then $RELAY_SOCKET, then the default.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvSocket); env != "" {
		return env
	}
	return DefaultSocketPath()
}
