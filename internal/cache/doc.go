// Package cache implements the named cache stores that back the app shell.
// A Storage holds any number of stores keyed by name (one per cache
// version); each Store maps a request identity (method + URL) to an
// immutable response snapshot. The disk driver lays entries out as
// StoragePath/<cache-name>/<sha[0:2]>/<sha>.{body,json} and uses temp file +
// rename writes so readers never observe a partially written entry. The
// memory driver keeps the same semantics in process for tests and
// ephemeral deployments.
package cache
