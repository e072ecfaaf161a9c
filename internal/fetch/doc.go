// Package fetch models the network side of the app shell: a request
// descriptor resolved against the application origin, a response carrying a
// type classification (basic, cors, opaque, error) and a single-consumption
// body, and the shared HTTP client that performs the round trip.
//
// Response bodies can be read exactly once. Callers that need two
// independent copies (one for the browser, one for the cache) must call
// Response.Clone before either side reads.
package fetch
