package transfer

import "testing"

func TestID_IncrementWrapsAround(t *testing.T) {
	id := ID(0)
	for i := 0; i < int(IDMax); i++ {
		id = id.Increment()
	}
	if id != IDMax {
		t.Fatalf("Expected %d after %d increments, got %d", IDMax, IDMax, id)
	}
	if id.Increment() != 0 {
		t.Errorf("Expected wraparound to 0, got %d", id.Increment())
	}
}

func TestID_ForwardDistance(t *testing.T) {
	cases := []struct {
		from, to ID
		expected uint8
	}{
		{0, 0, 0},
		{0, 5, 5},
		{5, 0, 3}, // 5 -> 6 -> 7 -> 0
		{7, 0, 1},
		{3, 3, 0},
		{6, 2, 4},
	}

	for _, c := range cases {
		if got := c.from.ForwardDistance(c.to); got != c.expected {
			t.Errorf("ForwardDistance(%d -> %d): expected %d, got %d",
				c.from, c.to, c.expected, got)
		}
	}
}

func TestID_RelateSweepsFullSpace(t *testing.T) {
	// For every expected value: distance 0 is Same, the forward
	// half-circle is Future, the rest is Repeat
	for a := ID(0); ; a++ {
		for b := ID(0); ; b++ {
			got := a.Relate(b)

			var expected Relation
			switch distance := a.ForwardDistance(b); {
			case distance == 0:
				expected = RelationSame
			case distance < halfRange:
				expected = RelationFuture
			default:
				expected = RelationRepeat
			}

			if got != expected {
				t.Errorf("Relate(%d, %d): expected %s, got %s", a, b, expected, got)
			}

			if b == IDMax {
				break
			}
		}
		if a == IDMax {
			break
		}
	}
}

func TestID_RelateExamples(t *testing.T) {
	if got := ID(2).Relate(2); got != RelationSame {
		t.Errorf("Equal IDs: expected Same, got %s", got)
	}
	if got := ID(2).Relate(3); got != RelationFuture {
		t.Errorf("Next ID: expected Future, got %s", got)
	}
	if got := ID(2).Relate(1); got != RelationRepeat {
		t.Errorf("Previous ID: expected Repeat, got %s", got)
	}
	// Exactly half the circle away is ambiguous and resolves to Repeat
	if got := ID(2).Relate(2 + halfRange); got != RelationRepeat {
		t.Errorf("Half-circle away: expected Repeat, got %s", got)
	}
}
