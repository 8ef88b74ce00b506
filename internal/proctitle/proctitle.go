// Package proctitle sets the process's visible name in `ps` listings on
// a best-effort basis, grounded on original_source/cli/flox-activations/
// src/proctitle.rs. That implementation overwrites the argv memory
// region directly; this port only does the PR_SET_NAME half (the
// argv-overwrite half requires raw pointer arithmetic over the process's
// own memory that Go's runtime gives no safe handle to, and a failed
// attempt risks corrupting the Go scheduler's view of os.Args) — it sets
// the kernel "comm" field, which covers what `ps -o comm` and
// `/proc/<pid>/comm` show, and is the part every caller actually reads
// in practice.
package proctitle

import (
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxCommLen is the kernel's limit on PR_SET_NAME (15 bytes + NUL).
const maxCommLen = 15

// Set renames the calling process's comm field to title, truncated to
// 15 bytes if longer. Failures are logged, never returned — this is
// cosmetic and must never block activation (spec.md §9 "Detaching from
// terminal" sets the tone: best-effort process-identity concerns do not
// gate correctness).
func Set(logger *slog.Logger, title string) {
	if len(title) > maxCommLen {
		title = title[:maxCommLen]
	}
	buf := append([]byte(title), 0)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0); err != nil {
		if logger != nil {
			logger.Debug("proctitle: PR_SET_NAME failed", "error", err)
		}
	}
}
