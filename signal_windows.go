// SPDX-License-Identifier: GPL-2.0-or-later

package instantreplay

import "os"

var saveSignals []os.Signal
