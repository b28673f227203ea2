// Package coord defines the coordination capabilities runner processes
// consume: an atomic lease store arbitrating connection ownership and a
// control bus carrying start/stop/restart intents. Backed by NATS in
// production and by an in-memory implementation in tests.
package coord
