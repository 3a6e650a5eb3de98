// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command kvsessiond serves a minimal HTTP application backed by sessions
// stored in the configured key-value store.
package main

import (
	"os"

	"github.com/charmbracelet/log"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "kvsessiond",
		ReportTimestamp: true,
	})

	err := newRootCommand(logger).Execute()
	if err != nil {
		logger.Fatal("Failed to run", "err", err)
	}
}
