// Package hasher derives the content-addressed ExecutionID used to
// identify a single component invocation (spec §4.2).
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/twingraph/goflow/internal/serializer"
)

// ExecutionID is a 16-char hex content-addressed identifier.
type ExecutionID string

const idLength = 16

// Execution derives the timestamped execution hash: sorted parent IDs, the
// function name, canonical-sorted-key JSON of the encoded inputs, and the
// timestamp's ISO-8601 form, concatenated in that order and digested.
//
// Fixing the timestamp, identical inputs always produce identical hashes
// (spec invariant 8); varying the timestamp or any input changes the hash
// with overwhelming probability.
func Execution(parentIDs []string, funcName string, inputs map[string]any, timestamp time.Time) (ExecutionID, error) {
	sorted := append([]string(nil), parentIDs...)
	sort.Strings(sorted)

	inputJSON, err := serializer.CanonicalJSON(inputs)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
	}
	h.Write([]byte(funcName))
	h.Write(inputJSON)
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))

	sum := hex.EncodeToString(h.Sum(nil))
	return ExecutionID(sum[:idLength]), nil
}

// Content derives a timestamp-free hash of the same inputs, used only for
// memoization caches — never for lineage identity (spec §9 open question:
// the execution hash is for lineage, caching uses a separate content hash).
func Content(funcName string, inputs map[string]any) (string, error) {
	inputJSON, err := serializer.CanonicalJSON(inputs)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(funcName))
	h.Write(inputJSON)
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:idLength], nil
}

// Pipeline derives a pipeline execution identifier from its name and a
// timestamp, mirroring Execution's shape but with no parents or inputs.
func Pipeline(name string, timestamp time.Time) ExecutionID {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	sum := hex.EncodeToString(h.Sum(nil))
	return ExecutionID(sum[:idLength])
}
