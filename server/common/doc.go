// Package common provides configuration and logging shared by the memdb server and its
// command line interface.
//
// Key Components:
//
//   - ServerConfig: all server parameters with defaults, validation and a sectioned
//     String representation that is logged at startup.
//
//   - CreateLogger / InitLoggers: a dragonboat logger.Factory producing loggers in the
//     "LEVEL | package | message" format, and the setup of the levels of all memdb loggers.
package common
