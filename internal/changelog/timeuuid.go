package changelog

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// gregorianOffset is the number of 100ns intervals between 1582-10-15 and
// the unix epoch.
const gregorianOffset = 0x01B21DD213814000

// TimeUUID returns a version 1 UUID carrying ts with a random clock sequence
// and node, so that two calls for the same timestamp differ.
func TimeUUID(ts mutation.Timestamp) uuid.UUID {
	g := uint64(int64(ts)*10) + gregorianOffset

	u := uuid.New()
	binary.BigEndian.PutUint32(u[0:4], uint32(g))
	binary.BigEndian.PutUint16(u[4:6], uint16(g>>32))
	binary.BigEndian.PutUint16(u[6:8], uint16(g>>48)&0x0fff|0x1000)
	u[8] = u[8]&0x3f | 0x80
	return u
}

// TimestampOf returns the microsecond timestamp of a version 1 UUID.
func TimestampOf(u uuid.UUID) mutation.Timestamp {
	return mutation.Timestamp((int64(u.Time()) - gregorianOffset) / 10)
}
