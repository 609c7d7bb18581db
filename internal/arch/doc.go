// Package arch holds tests that enforce import boundaries between the
// numeric core and the I/O adapters.
package arch
