// Package snapshot handles the on-disk RDB-style file read at startup
// and the fixed empty payload served to a newly-attached replica during
// full resync.
package snapshot

import (
	"encoding/base64"
	"os"
	"path/filepath"
)

// emptyRDBBase64 is the canonical empty-database payload every
// from-scratch master hands a replica during full resync: a valid
// header/footer with no key-value pairs, byte-identical across restarts.
const emptyRDBBase64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

// Empty returns the fixed empty-database payload bytes.
func Empty() []byte {
	b, err := base64.StdEncoding.DecodeString(emptyRDBBase64)
	if err != nil {
		panic("snapshot: malformed embedded empty payload: " + err.Error())
	}
	return b
}

// Restorer receives each key discovered while reading a snapshot file.
// Entries whose expiry has already passed are dropped by the decoder and
// never reported; everything else is reported as found.
type Restorer interface {
	RestoreString(key string, value []byte, expireAtUnixMS int64, hasExpiry bool)
}

// LoadBytes parses an already-read snapshot payload into r, the form a
// replica receives over the wire during full resync.
func LoadBytes(data []byte, r Restorer) error {
	return parse(data, r)
}

// Restore loads dir/dbfilename into r, if the file exists. A missing
// file is not an error: the server just starts with an empty keyspace,
// matching a fresh `redis-server` run with no prior save.
func Restore(dir, dbfilename string, r Restorer) error {
	path := filepath.Join(dir, dbfilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return parse(data, r)
}

// parse walks a minimal RDB-subset payload: header, zero or more string
// key/value pairs (each optionally preceded by an expiry opcode), EOF
// opcode, trailing checksum. Anything beyond that subset is rejected —
// flock never writes a fuller format than it can read back.
func parse(data []byte, r Restorer) error {
	dec := &decoder{buf: data}
	if err := dec.expectHeader(); err != nil {
		return err
	}
	return dec.walk(r)
}
