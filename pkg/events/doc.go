// Package events provides the in-process pub/sub broker that carries
// system notifications (artifact lifecycle, connection health, task
// queue changes) to the operational event stream. Publishing never
// blocks; a subscriber with a full buffer misses events.
package events
