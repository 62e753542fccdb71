package transport

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ErrIdentity means the private key file cannot be used by the transport.
var ErrIdentity = errors.New("unusable identity file")

// CheckIdentity verifies that path holds a private key ssh will accept.
// ssh reports a rejected key as a connection failure (exit 255), which
// would otherwise be retried until the budget runs out.
func CheckIdentity(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrIdentity, path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%w: %s has permissions %#o, want 0600 or stricter", ErrIdentity, path, perm)
	}

	key, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	if _, err := ssh.ParsePrivateKey(key); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			// ssh will prompt or use the agent.
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrIdentity, path, err)
	}
	return nil
}
