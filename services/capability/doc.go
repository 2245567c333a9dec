// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package capability implements the readiness state machine shared by every
on-device AI feature client: availability probing, download progress
normalization, session lifecycle, cooperative stream consumption and batch
result presentation.

# Problem Statement

A capability (language detector, translator, language model) lives on a
local model host. Before the first call the host may need to download model
weights, which can take minutes. Every feature client has to:

 1. Ask the host whether the capability is ready
 2. Show download progress that never jumps backwards
 3. Create exactly one session per configuration
 4. Stream output chunks and stop cleanly when the user cancels
 5. Time single calls and sequential batch runs and export the results

# Flow

	┌──────────────────────────────────────────────────────────────────┐
	│  UI event                                                        │
	│     │                                                            │
	│     ▼                                                            │
	│  Prober.Probe ──► unavailable ──► capability-absent error        │
	│     │                                                            │
	│     ▼ downloadable / downloading / available                     │
	│  SessionManager.EnsureReady ──► Capability.Create(monitor)       │
	│     │                              │                             │
	│     │                              └─► DownloadMonitor.Observe   │
	│     ▼                                                            │
	│  Session.Run ─────────────► Measure / BatchRunner ─► Exporter    │
	│  Session.RunStreaming ────► StreamConsumer                       │
	└──────────────────────────────────────────────────────────────────┘

# Host Shapes

Hosts report availability either as a plain state string ("downloadable")
or, for older hosts, as an object ({"available": "after-download"}).
Prober and DecodeAvailability normalize both to State so feature code never
branches on host version.

# Thread Safety

SessionManager, StreamConsumer, DownloadMonitor, ErrorReporter and
BatchRunner are safe for concurrent use. A BatchRunner executes the inputs
of one run sequentially.
*/
package capability
