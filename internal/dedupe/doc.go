// Package dedupe provides a time-based set of recently seen keys. The BackRPC
// server uses it to drop a request id a peer resends while the original is
// still being served.
package dedupe
