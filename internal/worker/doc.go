// Package worker hosts the app-shell Cache Manager. Lifecycle and network
// events are modelled as typed events dispatched through a Dispatcher; each
// dispatch returns a Completion that settles once every task registered via
// WaitUntil or RespondWith has finished. Host drives the install → activate
// sequence and turns intercepted HTTP requests into fetch events.
package worker
