package mvcore

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID, used for
// transaction ids and control-region user-table tokens.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// IsNil reports whether id equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// ParseUUID converts a string to a UUID.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	return UUID(u), err
}

// NewUUID returns a new randomly generated UUID, retrying briefly on
// transient entropy-source failure.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// MaxIDLen is the maximum length, in bytes, of a record identifier.
const MaxIDLen = 255

// ValidateID reports whether id is a legal record identifier: non-empty,
// no longer than MaxIDLen, and free of reserved mark bytes.
func ValidateID(id []byte) error {
	if len(id) == 0 {
		return NewError(InvalidID, "empty id")
	}
	if len(id) > MaxIDLen {
		return NewError(InvalidID, "id too long")
	}
	for _, b := range id {
		if b == FieldMark || b == ValueMark || b == SubvalueMark {
			return NewError(InvalidID, "id contains reserved mark byte")
		}
	}
	return nil
}
