//go:build unix

package arch

import "golang.org/x/sys/unix"

// SIGSEGV is the signal number the spec's fault-handler template
// translates a user-mode unrecoverable fault into (exit code
// 128+SIGSEGV, spec.md sections 4.5/7/8 scenario 6).
const SIGSEGV = int(unix.SIGSEGV)
