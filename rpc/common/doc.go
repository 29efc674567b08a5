// Package common provides the configuration structures and the logging setup
// shared across the dMux transport.
//
// Key Components:
//
//   - SenderConfig: Batch sizes, frame limits, timer rates, retry backoff and
//     memory budgets of the sender. Validate rejects values the sender cannot
//     work with.
//
//   - ConnectorConfig: Endpoints, dial and write timeouts, reconnect backoff and
//     socket options of the TCP connector.
//
//   - EchoConfig: Listen address, frame limit and worker count of the echo peer.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
//     InitLoggers sets the level of every dMux package logger.
package common
