package snapshot

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// opCode tags an RDB section marker byte.
type opCode int

const (
	opAux opCode = iota
	opSelectDB
	opExpireTimeSec
	opExpireTimeMS
	opResizeDB
	opEOF
)

const (
	byteEOF         = 0xFF
	byteAux         = 0xFA
	byteResizeDB    = 0xFB
	byteExpireMS    = 0xFC
	byteSelectDB    = 0xFE
	byteExpireSec   = 0xFD
	valueTypeString = 0x00
)

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) readBytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("snapshot: truncated input, need %d bytes, have %d", n, d.remaining())
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) peekByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, fmt.Errorf("snapshot: truncated input")
	}
	return d.buf[d.pos], nil
}

func (d *decoder) readUint8() (uint8, error) {
	b, err := d.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readInt8() (int8, error) {
	b, err := d.readUint8()
	return int8(b), err
}

func (d *decoder) readInt16() (int16, error) {
	b, err := d.readBytes(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (d *decoder) readInt32() (int32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) expectHeader() error {
	magic, err := d.readBytes(5)
	if err != nil {
		return err
	}
	if string(magic) != "REDIS" {
		return fmt.Errorf("snapshot: missing REDIS magic")
	}
	if _, err := d.readBytes(4); err != nil { // version digits, unused
		return err
	}
	return nil
}

func (d *decoder) readOpCode() (opCode, error) {
	ch, err := d.readUint8()
	if err != nil {
		return 0, err
	}
	switch ch {
	case byteEOF:
		return opEOF, nil
	case byteAux:
		return opAux, nil
	case byteResizeDB:
		return opResizeDB, nil
	case byteExpireMS:
		return opExpireTimeMS, nil
	case byteSelectDB:
		return opSelectDB, nil
	case byteExpireSec:
		return opExpireTimeSec, nil
	default:
		return 0, fmt.Errorf("snapshot: unexpected opcode 0x%02x", ch)
	}
}

// lengthEncoding is either a plain length or a "special" encoded integer
// (the 0xC0-class forms redis uses for small ints inline in a string).
type lengthEncoding struct {
	special    bool
	length     uint32
	specialTag uint8
}

func (d *decoder) readLengthEncoding() (lengthEncoding, error) {
	ch, err := d.readUint8()
	if err != nil {
		return lengthEncoding{}, err
	}
	switch (ch & 0xc0) >> 6 {
	case 0:
		return lengthEncoding{length: uint32(ch & 0x3f)}, nil
	case 1:
		low, err := d.readUint8()
		if err != nil {
			return lengthEncoding{}, err
		}
		return lengthEncoding{length: uint32(ch&0x3f)<<8 | uint32(low)}, nil
	case 2:
		n, err := d.readUint32()
		if err != nil {
			return lengthEncoding{}, err
		}
		return lengthEncoding{length: n}, nil
	case 3:
		return lengthEncoding{special: true, specialTag: ch & 0x3f}, nil
	default:
		return lengthEncoding{}, fmt.Errorf("snapshot: broken length encoding")
	}
}

func (d *decoder) readStringEncoded() (string, error) {
	enc, err := d.readLengthEncoding()
	if err != nil {
		return "", err
	}
	if !enc.special {
		b, err := d.readBytes(int(enc.length))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	switch enc.specialTag {
	case 0:
		n, err := d.readInt8()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(n), 10), nil
	case 1:
		n, err := d.readInt16()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(n), 10), nil
	case 2:
		n, err := d.readInt32()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(n), 10), nil
	default:
		return "", fmt.Errorf("snapshot: unknown string encoding special type %d", enc.specialTag)
	}
}

func (d *decoder) readAuxField() error {
	if _, err := d.readStringEncoded(); err != nil {
		return err
	}
	_, err := d.readStringEncoded()
	return err
}

// readEntry parses a string-valued key/value pair given the already-read
// value-type byte. Only the plain string encoding is supported (flock's
// keyspace has no other on-disk type).
func (d *decoder) readEntry(valueType byte) (key, value string, err error) {
	if valueType != valueTypeString {
		return "", "", fmt.Errorf("snapshot: unsupported value type 0x%02x", valueType)
	}
	key, err = d.readStringEncoded()
	if err != nil {
		return "", "", err
	}
	value, err = d.readStringEncoded()
	if err != nil {
		return "", "", err
	}
	return key, value, nil
}

func (d *decoder) walk(r Restorer) error {
	for {
		op, err := d.readOpCode()
		if err != nil {
			return err
		}
		switch op {
		case opAux:
			if err := d.readAuxField(); err != nil {
				return err
			}
		case opSelectDB:
			if err := d.walkDB(r); err != nil {
				return err
			}
		case opEOF:
			// A trailing 8-byte CRC64 checksum follows in rdb version >= 5;
			// it is skipped without being verified.
			if d.remaining() >= 8 {
				_, _ = d.readBytes(8)
			}
			return nil
		default:
			return fmt.Errorf("snapshot: unexpected top-level section %d", op)
		}
	}
}

func (d *decoder) walkDB(r Restorer) error {
	if _, err := d.readUint8(); err != nil { // db index, flock is single-db
		return err
	}
	next, err := d.peekByte()
	if err != nil {
		return err
	}
	if next == byteResizeDB {
		if _, err := d.readUint8(); err != nil {
			return err
		}
		if _, err := d.readLengthEncoding(); err != nil {
			return err
		}
		if _, err := d.readLengthEncoding(); err != nil {
			return err
		}
	}

	now := time.Now()
	for {
		next, err := d.peekByte()
		if err != nil {
			return err
		}

		var expireAt time.Time
		hasExpiry := false

		switch next {
		case byteExpireSec:
			if _, err := d.readUint8(); err != nil {
				return err
			}
			secs, err := d.readUint32()
			if err != nil {
				return err
			}
			expireAt = time.Unix(int64(secs), 0)
			hasExpiry = true
		case byteExpireMS:
			if _, err := d.readUint8(); err != nil {
				return err
			}
			ms, err := d.readUint64()
			if err != nil {
				return err
			}
			expireAt = time.UnixMilli(int64(ms))
			hasExpiry = true
		case byteEOF, byteSelectDB, byteAux, byteResizeDB:
			return nil // end of this db's key section
		}

		valueType, err := d.readUint8()
		if err != nil {
			return err
		}
		key, value, err := d.readEntry(valueType)
		if err != nil {
			return err
		}

		if hasExpiry && !expireAt.After(now) {
			continue // already expired, drop silently rather than restoring
		}
		var expireMS int64
		if hasExpiry {
			expireMS = expireAt.UnixMilli()
		}
		r.RestoreString(key, []byte(value), expireMS, hasExpiry)
	}
}
