// Package transport builds ssh/scp invocations for ephemeral instances.
package transport

import (
	"errors"
	"fmt"

	"github.com/andrej220/vdctl/internal/procrun"
	"github.com/kballard/go-shellquote"
)

const (
	DefaultSSHBin = "ssh"
	DefaultSCPBin = "scp"
)

// Kind selects the transport binary and its addressing style.
type Kind int

const (
	Shell Kind = iota + 1
	FileCopy
)

func (k Kind) String() string {
	switch k {
	case Shell:
		return "shell"
	case FileCopy:
		return "file-copy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrUnsupportedKind = errors.New("unsupported transport kind")

// Host keys of recreated instances change every time, so verification and
// known_hosts persistence are always off.
var hostKeyOptions = []string{
	"-q",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "StrictHostKeyChecking=no",
}

// Target carries the resolved connection parameters of one instance.
type Target struct {
	Addr    string
	User    string
	KeyPath string
	// ExtraArgs is appended verbatim after the fixed options, split with
	// shell word rules.
	ExtraArgs string
}

type Builder struct {
	SSHBin string
	SCPBin string
}

func NewBuilder() Builder {
	return Builder{SSHBin: DefaultSSHBin, SCPBin: DefaultSCPBin}
}

// Build returns the base command for kind:
//
//	ssh -i KEY -q -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no [EXTRA] -l USER ADDR
//	scp -i KEY -q -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no [EXTRA]
//
// File copy commands address the instance through RemotePath instead.
func (b Builder) Build(kind Kind, t Target) (procrun.Command, error) {
	var bin string
	switch kind {
	case Shell:
		bin = orDefault(b.SSHBin, DefaultSSHBin)
	case FileCopy:
		bin = orDefault(b.SCPBin, DefaultSCPBin)
	default:
		return procrun.Command{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	args := []string{"-i", t.KeyPath}
	args = append(args, hostKeyOptions...)
	if t.ExtraArgs != "" {
		extra, err := shellquote.Split(t.ExtraArgs)
		if err != nil {
			return procrun.Command{}, fmt.Errorf("parse extra transport args %q: %w", t.ExtraArgs, err)
		}
		args = append(args, extra...)
	}
	if kind == Shell {
		args = append(args, "-l", t.User, t.Addr)
	}
	return procrun.Command{Path: bin, Args: args}, nil
}

// RemotePath renders the user@host:path operand used by file copy.
func RemotePath(user, addr, path string) string {
	return fmt.Sprintf("%s@%s:%s", user, addr, path)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
