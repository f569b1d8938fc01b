// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs
//
// Dfutool - USB DFU firmware update tool
//
// A CLI tool for flashing and reading back firmware on DFU 1.1 bootloaders
// reachable over serial or WebSocket bridges, and for emulating such a
// device.

package main

import (
	"os"

	"github.com/emberfield/dfutool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
