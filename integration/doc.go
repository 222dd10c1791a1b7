// Package integration launches the nameserver binary as a separate process
// and drives it over HTTP. It is used to test the full startup path,
// including environment configuration and registry durability across
// process restarts.
package integration
