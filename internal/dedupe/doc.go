// Package dedupe suppresses duplicate inbound messages using a time-based
// cache keyed by tenant and network message ID.
package dedupe
