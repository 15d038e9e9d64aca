// Package stores provides the persistence layer of the deployer.
// It includes SQLite-based storage with embedded migrations for deployment
// records, item results, the event log, and the local item catalog, plus a
// Recorder that plugs the store into the deployment engine.
package stores
