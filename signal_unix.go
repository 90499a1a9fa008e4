// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

package instantreplay

import (
	"os"
	"syscall"
)

// saveSignals trigger a clip save of the default duration.
var saveSignals = []os.Signal{syscall.SIGUSR1}
