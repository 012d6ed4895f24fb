// Row identity: persistent key, temporary placeholder, or position.

package table

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/ksid"
)

// Kind is the variant of an [ID].
type Kind uint8

const (
	// KindInvalid is the zero ID.
	KindInvalid Kind = iota
	// KindPersistent identifies a stored row by its primary-key values.
	KindPersistent
	// KindTemporary identifies a row created locally and not yet stored.
	KindTemporary
	// KindPosition identifies a row of a keyless source by its 1-based row number.
	KindPosition
)

func (k Kind) String() string {
	switch k {
	case KindPersistent:
		return "persistent"
	case KindTemporary:
		return "temporary"
	case KindPosition:
		return "position"
	default:
		return "invalid"
	}
}

// keySep separates encoded key values. strconv.Quote escapes NUL so it never
// appears inside an encoded string value.
const keySep = "\x00"

// ID identifies a row.
//
// The zero value is invalid. Equality is structural per variant.
type ID struct {
	kind Kind
	key  string
	temp ksid.ID
	pos  int64
}

// PersistentID returns the identity of a stored row from its primary-key
// values, in key column order.
func PersistentID(values ...any) ID {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = encodeKeyValue(Normalize(v))
	}
	return ID{kind: KindPersistent, key: strings.Join(parts, keySep)}
}

// TemporaryID returns a placeholder identity.
func TemporaryID(placeholder ksid.ID) ID {
	return ID{kind: KindTemporary, temp: placeholder}
}

// NewTemporaryID returns a fresh placeholder identity.
func NewTemporaryID() ID {
	return TemporaryID(ksid.NewID())
}

// PositionID returns the identity of the row at the given 1-based row number.
func PositionID(rowNumber int64) ID {
	return ID{kind: KindPosition, pos: rowNumber}
}

// Kind returns the variant.
func (id ID) Kind() Kind {
	return id.kind
}

// IsZero returns true for the zero ID.
func (id ID) IsZero() bool {
	return id.kind == KindInvalid
}

// IsTemporary returns true if the row was never stored.
func (id ID) IsTemporary() bool {
	return id.kind == KindTemporary
}

// Values returns the primary-key values of a persistent ID, nil otherwise.
func (id ID) Values() []any {
	if id.kind != KindPersistent {
		return nil
	}
	if id.key == "" {
		return []any{}
	}
	parts := strings.Split(id.key, keySep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = decodeKeyValue(p)
	}
	return out
}

// Placeholder returns the placeholder of a temporary ID.
func (id ID) Placeholder() ksid.ID {
	return id.temp
}

// Position returns the 1-based row number of a positional ID.
func (id ID) Position() int64 {
	return id.pos
}

func (id ID) String() string {
	switch id.kind {
	case KindPersistent:
		return fmt.Sprint(id.Values())
	case KindTemporary:
		return "tmp:" + id.temp.String()
	case KindPosition:
		return "#" + strconv.FormatInt(id.pos, 10)
	default:
		return "<invalid>"
	}
}

// Normalize converts integers of any width to int64 and float32 to float64
// so that values read from different sources compare and hash equally.
func Normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint:
		if uint64(t) <= 1<<63-1 {
			return int64(t)
		}
		return float64(t)
	case uint64:
		if t <= 1<<63-1 {
			return int64(t)
		}
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func encodeKeyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "n"
	case bool:
		if t {
			return "b1"
		}
		return "b0"
	case int64:
		return "i" + strconv.FormatInt(t, 10)
	case float64:
		return "f" + strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return "s" + strconv.Quote(t)
	case []byte:
		return "x" + hex.EncodeToString(t)
	case time.Time:
		return "t" + t.UTC().Format(time.RFC3339Nano)
	default:
		return "s" + strconv.Quote(fmt.Sprint(t))
	}
}

func decodeKeyValue(s string) any {
	if s == "" {
		return nil
	}
	body := s[1:]
	switch s[0] {
	case 'b':
		return body == "1"
	case 'i':
		v, _ := strconv.ParseInt(body, 10, 64)
		return v
	case 'f':
		v, _ := strconv.ParseFloat(body, 64)
		return v
	case 's':
		v, _ := strconv.Unquote(body)
		return v
	case 'x':
		v, _ := hex.DecodeString(body)
		return v
	case 't':
		v, _ := time.Parse(time.RFC3339Nano, body)
		return v
	default:
		return nil
	}
}
