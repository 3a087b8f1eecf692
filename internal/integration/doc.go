// Package integration runs rooms and conversations end to end: real
// realtime clients over the backend HTTP client, against the reference
// broker application with its sqlite journal.
package integration
