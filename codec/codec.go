// Package codec implements the key/column scheme that maps produced
// messages onto the fixed-width row keys of the underlying KCV store, and
// the wire layout of message entries and system-setting columns.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/streamkv/kcvlog/kcverrors"
)

// TimesliceInterval is the width, in microseconds, of one timeslice bucket.
// It is wire format and must never change.
const TimesliceInterval int64 = 100_000_000

// SystemPartitionID is the reserved partition id for settings. It is
// unreachable from normal partition ids because those only ever occupy the
// upper partitionBitWidth bits of the 32-bit field.
const SystemPartitionID uint32 = 0xFFFFFFFF

// Column tags, the first byte of a system-setting column.
const (
	MessageCounterTag byte = 1
	ReadMarkerTag     byte = 2
)

// rowKeyLength is the length in bytes of a message row key: partition id,
// bucket id and timeslice, each a big-endian uint32.
const rowKeyLength = 12

// LogKey builds the 12-byte row key for a message written to
// (partitionID, bucketID, timeslice), left-shifting the partition id by
// (32 - partitionBitWidth) so that significant bits sort first.
func LogKey(partitionID uint32, partitionBitWidth int, bucketID uint32, numBuckets uint32, timeslice int32) ([]byte, error) {
	if partitionBitWidth < 0 || partitionBitWidth > 32 {
		return nil, fmt.Errorf("%w: partitionBitWidth %d out of range [0,32]", kcverrors.ErrInvalidArgument, partitionBitWidth)
	}
	shifted, err := shiftPartition(partitionID, partitionBitWidth)
	if err != nil {
		return nil, err
	}
	if bucketID >= numBuckets {
		return nil, fmt.Errorf("%w: bucketID %d out of range [0,%d)", kcverrors.ErrInvalidArgument, bucketID, numBuckets)
	}

	key := make([]byte, rowKeyLength)
	binary.BigEndian.PutUint32(key[0:4], shifted)
	binary.BigEndian.PutUint32(key[4:8], bucketID)
	binary.BigEndian.PutUint32(key[8:12], uint32(timeslice))
	return key, nil
}

func shiftPartition(partitionID uint32, partitionBitWidth int) (uint32, error) {
	if partitionBitWidth == 0 {
		return 0, nil
	}
	maxID := uint32(1)<<uint(partitionBitWidth) - 1
	if partitionID > maxID {
		return 0, fmt.Errorf("%w: partitionID %d does not fit in %d bits", kcverrors.ErrInvalidArgument, partitionID, partitionBitWidth)
	}
	return partitionID << uint(32-partitionBitWidth), nil
}

// Timeslice computes floor(timestampMicros / TimesliceInterval) and rejects
// negative timestamps and values that overflow an int32, as spec.md §3 requires.
func Timeslice(timestampMicros int64) (int32, error) {
	ts := timestampMicros / TimesliceInterval
	if timestampMicros < 0 || ts > int64(1<<31-1) {
		return 0, fmt.Errorf("%w: timestamp %d yields out-of-range timeslice", kcverrors.ErrInvalidArgument, timestampMicros)
	}
	return int32(ts), nil
}

// SettingKey returns the setting key for identifier: the reserved system
// partition id followed by the length-prefixed identifier string.
func SettingKey(identifier string) []byte {
	key := make([]byte, 4+2+len(identifier))
	binary.BigEndian.PutUint32(key[0:4], SystemPartitionID)
	binary.BigEndian.PutUint16(key[4:6], uint16(len(identifier)))
	copy(key[6:], identifier)
	return key
}

// MessageCounterColumn is the single-byte column holding a sender's
// outgoing sequence-number counter.
func MessageCounterColumn() []byte {
	return []byte{MessageCounterTag}
}

// MarkerColumn is the 9-byte column holding a (partition, bucket) read
// cursor: the marker tag followed by the partition and bucket ids.
func MarkerColumn(partitionID, bucketID uint32) []byte {
	col := make([]byte, 9)
	col[0] = ReadMarkerTag
	binary.BigEndian.PutUint32(col[1:5], partitionID)
	binary.BigEndian.PutUint32(col[5:9], bucketID)
	return col
}

// Entry is a KCV row entry: a column and a value, ready to hand to the
// store's mutate call.
type Entry struct {
	Column []byte
	Value  []byte
}

// Message is the decoded, caller-visible view of a message entry.
type Message struct {
	TimestampMicros int64
	SenderID        string
	Payload         []byte
}

// EncodeMessage lays out timestamp || senderID || sequenceNumber as the
// column and payload as the value, per spec.md §3. Column-lexicographic
// order therefore equals timestamp order, with ties broken by the
// length-prefixed senderID (shorter ids first, then by bytes) and then by
// sequenceNumber.
func EncodeMessage(timestampMicros int64, senderID string, sequenceNumber int64, payload []byte) Entry {
	col := make([]byte, 8+2+len(senderID)+8)
	binary.BigEndian.PutUint64(col[0:8], uint64(timestampMicros))
	binary.BigEndian.PutUint16(col[8:10], uint16(len(senderID)))
	copy(col[10:10+len(senderID)], senderID)
	binary.BigEndian.PutUint64(col[10+len(senderID):], uint64(sequenceNumber))

	return Entry{Column: col, Value: payload}
}

// DecodeMessage reverses EncodeMessage's column prefix; the sequence number
// is present in the column but is not needed by readers and is discarded.
func DecodeMessage(e Entry) (Message, error) {
	col := e.Column
	if len(col) < 8+2 {
		return Message{}, fmt.Errorf("%w: message column too short (%d bytes)", kcverrors.ErrInvalidArgument, len(col))
	}
	ts := int64(binary.BigEndian.Uint64(col[0:8]))
	senderLen := int(binary.BigEndian.Uint16(col[8:10]))
	if len(col) < 10+senderLen+8 {
		return Message{}, fmt.Errorf("%w: message column truncated for senderID length %d", kcverrors.ErrInvalidArgument, senderLen)
	}
	senderID := string(col[10 : 10+senderLen])

	return Message{
		TimestampMicros: ts,
		SenderID:        senderID,
		Payload:         e.Value,
	}, nil
}
