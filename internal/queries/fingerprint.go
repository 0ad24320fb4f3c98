// Package queries implements query dispatch: deduplicated enqueueing of
// execution jobs, job status projection, and the executor that workers run.
package queries

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Fingerprint computes the dedup identity of a query text. Case and
// whitespace differences collapse so textually equivalent queries share
// one fingerprint.
func Fingerprint(queryText string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(queryText), " "))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
