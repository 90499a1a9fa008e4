// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"instantreplay"
	"log"
	"os"
)

func main() {
	if err := instantreplay.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}
