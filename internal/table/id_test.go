package table

import (
	"testing"
	"time"
)

func TestID(t *testing.T) {
	t.Run("persistent equality", func(t *testing.T) {
		tests := []struct {
			name  string
			a, b  ID
			equal bool
		}{
			{"same ints different widths", PersistentID(1, "x"), PersistentID(int64(1), "x"), true},
			{"different order", PersistentID(1, "x"), PersistentID("x", 1), false},
			{"int vs string", PersistentID(1), PersistentID("1"), false},
			{"string with separator chars", PersistentID("a\x00b"), PersistentID("a", "b"), false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.a == tt.b; got != tt.equal {
					t.Errorf("%v == %v is %v, want %v", tt.a, tt.b, got, tt.equal)
				}
			})
		}
	})

	t.Run("variants never equal", func(t *testing.T) {
		tmp := NewTemporaryID()
		if tmp == PersistentID(tmp.Placeholder().String()) {
			t.Error("temporary ID equals persistent ID with the same value")
		}
		if PositionID(1) == PersistentID(1) {
			t.Error("positional ID equals persistent ID with the same value")
		}
		if NewTemporaryID() == tmp {
			t.Error("temporary IDs should be unique")
		}
	})

	t.Run("Values round trip", func(t *testing.T) {
		ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)
		id := PersistentID(int32(7), "a,b", 1.5, true, nil, []byte{1, 2}, ts)
		got := id.Values()
		if len(got) != 7 {
			t.Fatalf("Values() returned %d values, want 7", len(got))
		}
		if got[0] != int64(7) || got[1] != "a,b" || got[2] != 1.5 || got[3] != true || got[4] != nil {
			t.Errorf("Values() = %v", got)
		}
		if b, ok := got[5].([]byte); !ok || len(b) != 2 || b[1] != 2 {
			t.Errorf("Values()[5] = %v", got[5])
		}
		if tt, ok := got[6].(time.Time); !ok || !tt.Equal(ts) {
			t.Errorf("Values()[6] = %v", got[6])
		}
	})

	t.Run("Kind and zero", func(t *testing.T) {
		var zero ID
		if !zero.IsZero() || zero.Kind() != KindInvalid {
			t.Error("zero ID should be invalid")
		}
		if k := PositionID(3).Kind(); k != KindPosition {
			t.Errorf("Kind() = %v, want %v", k, KindPosition)
		}
		if !NewTemporaryID().IsTemporary() {
			t.Error("IsTemporary() = false")
		}
		if s := PositionID(3).String(); s != "#3" {
			t.Errorf("String() = %q, want %q", s, "#3")
		}
	})

	t.Run("IdentityFor", func(t *testing.T) {
		values := map[string]any{"a": 1, "b": "x"}
		if got := IdentityFor(values, []string{"a", "b"}, 9); got != PersistentID(1, "x") {
			t.Errorf("IdentityFor() = %v", got)
		}
		if got := IdentityFor(values, nil, 9); got != PositionID(9) {
			t.Errorf("IdentityFor() = %v, want #9", got)
		}
	})
}
