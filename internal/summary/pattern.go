// Package summary renders token-efficient digests of logs and flows.
// Generation is purely template-based; cursors let a caller ask for the
// delta since their previous digest.
package summary

import (
	"encoding/binary"
	"regexp"

	"github.com/minio/highwayhash"
)

var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexRe  = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numRe  = regexp.MustCompile(`\d+`)
)

// fingerprintKey is fixed so pattern fingerprints are stable across
// processes and restarts.
var fingerprintKey = func() []byte {
	var k = make([]byte, 32)
	copy(k, []byte("quern.summary.pattern.v1"))
	return k
}()

// Normalize collapses the volatile parts of a message — UUIDs, hex
// addresses, then any remaining digit runs — so repeated errors that differ
// only in identifiers dedup to one pattern.
func Normalize(message string) string {
	var s = uuidRe.ReplaceAllString(message, "<uuid>")
	s = hexRe.ReplaceAllString(s, "<addr>")
	s = numRe.ReplaceAllString(s, "<n>")
	return s
}

// Fingerprint returns a stable 64-bit identity for a normalized message.
func Fingerprint(normalized string) uint64 {
	var sum = highwayhash.Sum64([]byte(normalized), fingerprintKey)
	return sum
}

// FingerprintHex renders the fingerprint for JSON transport.
func FingerprintHex(normalized string) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], Fingerprint(normalized))
	const hexdigits = "0123456789abcdef"
	var out [16]byte
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0xf]
	}
	return string(out[:])
}
