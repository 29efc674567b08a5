// Package cmd implements the command-line interface of dMux. It provides a
// small command tree for running an echo peer and for measuring the sender
// against one or more peers.
//
// The package is organized into several subpackages:
//
//   - echo: Starts a TCP peer that answers every request with its payload
//   - perf: Sends requests and messages through the sender and reports latency and throughput
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable DMUX_<FLAG> or a
// .env / .env.local file. See dmux -help for a list of all commands.
package cmd
