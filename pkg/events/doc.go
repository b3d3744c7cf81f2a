/*
Package events is the in-memory broker behind Vicky's global SSE stream
(GET /api/v1/events).

A Broker holds one buffered channel fed by Publish and fans out to any
number of Subscribers, each its own buffered channel. Delivery is
best-effort: a subscriber that falls behind drops events rather than
stalling the broker, since the HTTP handler on the other end always has a
way to recover the current state from storage on reconnect.

Callers: pkg/scheduler publishes EventTaskAdd after Submit and
EventTaskUpdate after Claim, Finish, and Confirm; pkg/api's events handler
is the only subscriber in this server, one per open SSE connection.
*/
package events
