// Package bridge routes inbound platform events into the agent pipeline
// and bridges the reply back. It enforces loop prevention, addressing,
// idempotence, and the identity gate before any agent invocation.
package bridge
