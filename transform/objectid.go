package transform

import (
	"encoding/binary"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UnpackObjectID extracts the legacy host and process fields of a 12-byte
// ObjectID laid out as 4 bytes time, 3 bytes machine, 2 bytes pid, 3 bytes
// counter. host_id is the first two machine bytes and process_id the pid,
// both read little-endian. v may be an ObjectID or its 24-character hex.
func UnpackObjectID(v any) (hostID, processID int, err error) {
	var oid primitive.ObjectID
	switch x := v.(type) {
	case primitive.ObjectID:
		oid = x
	case string:
		oid, err = primitive.ObjectIDFromHex(x)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadObjectID, x)
		}
	default:
		return 0, 0, fmt.Errorf("%w: %T", ErrBadObjectID, v)
	}
	hostID = int(binary.LittleEndian.Uint16(oid[4:6]))
	processID = int(binary.LittleEndian.Uint16(oid[7:9]))
	return hostID, processID, nil
}
