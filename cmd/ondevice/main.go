// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ondevice checks, prepares and exercises the AI capabilities of a
// local model host: language detection, translation, chat prompting and
// image description.
//
//	ondevice probe                     # availability of every capability
//	ondevice init translator --to ja   # create a session, showing download progress
//	ondevice translate --to es "Good morning"
//	ondevice batch detector --format csv --out ./exports
//	ondevice serve                     # HTTP and websocket API
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianOnDevice/pkg/ux"
)

func main() {
	// Sealed API keys are wiped on every exit path. Interrupts only cancel
	// ctx.
	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if terr := teardown(); terr != nil && err == nil {
		err = terr
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ux.ErrInterrupted) {
			ux.CapabilityError(err)
		}
		memguard.Purge()
		os.Exit(1)
	}
}
