// Package server hosts the Fiber HTTP front door for the app-shell cache.
// Every request outside the /-/ diagnostics prefix is converted into a
// fetch.Request resolved against the configured origin and handed to the
// worker host; requests the worker does not intercept are passed through to
// the origin unchanged. Keep exports narrow and accept explicit dependencies.
package server
