// Package api implements Vicky's HTTP/JSON and server-sent-events
// surface: the routes workers and operators use to submit, claim, and
// finish tasks, stream and archive their logs, manage task templates,
// and inspect and clear poisoned locks.
//
// Each resource gets one Go 1.22+ http.ServeMux route pattern, with any
// role restriction checked inside the handler rather than split across
// separate per-role handlers sharing a path.
package api
