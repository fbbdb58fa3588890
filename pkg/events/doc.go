/*
Package events provides per-job output streaming for rke2d.

Every job owns an event bus that carries its output as indexed chunks from
the process runner to any number of HTTP stream subscribers. Late
subscribers replay the full history first and then follow live output, so
a browser attaching mid-install sees the same log as one attached from the
start.

# Architecture

	runner ──publish──▶ Bus ──┬──▶ subscriber (SSE stream)
	                          ├──▶ subscriber
	         history ◀────────┘
	                 Hub: job ID ▶ Bus registry

# Core Components

Chunk:
  - One published unit of output with a monotonic Index
  - Indexes let clients detect replay vs. live boundaries

Bus:
  - Publish appends to the history and fans out to subscribers
  - Subscribe atomically returns the history snapshot plus a channel
    positioned immediately after it; no chunk is ever missed or doubled
  - Close ends the stream; subscribers' channels are closed after the
    backlog drains, and late subscribers still get the full replay

Slow Subscribers:
  - Each subscription buffers a bounded number of chunks; a subscriber
    that stops draining is dropped rather than back-pressuring the job

Hub:
  - Registry of live buses keyed by job ID
  - Open creates or returns the job's bus; Get never creates
  - Release garbage-collects a bus only once it is closed and has no
    subscribers left, keeping terminal job replays cheap until the last
    client detaches

# Usage

Producing:

	bus := hub.Open(job.ID)
	bus.Publish("TASK [install rke2] ****\n")
	bus.Close()

Consuming:

	snapshot, sub := bus.Subscribe()
	defer sub.Cancel()
	for _, chunk := range snapshot {
		send(chunk)
	}
	for chunk := range sub.Ch() {
		send(chunk)
	}

# Integration Points

  - pkg/runner: Publishes process output lines
  - pkg/orchestrator: Publishes stage markers and error lines; closes
    the bus when the job finishes
  - pkg/api: Serves buses as server-sent event streams
*/
package events
