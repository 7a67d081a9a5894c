//go:build !unix

package arch

// SIGSEGV mirrors the unix-build constant for platforms where
// golang.org/x/sys/unix does not define signal numbers.
const SIGSEGV = 11
