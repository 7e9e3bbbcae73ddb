// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package worker

import (
	"syscall"

	"github.com/distjob/dispatch/clog"
)

// lowerNiceness sets the calling process's nice value to delta (an
// absolute value, not an offset from the inherited one); 0 leaves it
// unchanged. Failure is logged and never fatal, since a missing
// CAP_SYS_NICE is common in containerized runs and must not prevent
// the child from doing its work.
func lowerNiceness(delta int, log *clog.CLogger) {
	if delta == 0 {
		return
	}
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, delta); err != nil {
		log.Warnf("setting niceness %+d: %v", delta, err)
	}
}
