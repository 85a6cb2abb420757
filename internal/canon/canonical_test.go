package canon

import (
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := Marshal(map[string]any{"html": "<a href=\"x\">&</a>"})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"html":"<a href=\"x\">&</a>"}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshal_IntegralFloat(t *testing.T) {
	// json.Unmarshal decodes every number to float64; integral values must
	// render without a fractional part so re-encoded rows stay stable.
	got, err := Marshal(map[string]any{"views": float64(0), "score": 1.5})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"score":1.5,"views":0}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshal_Null(t *testing.T) {
	got, err := Marshal(map[string]any{"deletedAt": nil})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if string(got) != `{"deletedAt":null}` {
		t.Errorf("Marshal() = %s", got)
	}
}

func TestMarshal_NestedDeterminism(t *testing.T) {
	v := map[string]any{
		"tags": []any{"z", "a"},
		"meta": map[string]any{"y": true, "x": false},
	}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal() failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("Marshal() unstable: %s vs %s", again, first)
		}
	}
}

func TestCompareUTF16_SurrogateOrder(t *testing.T) {
	// U+1D306 encodes as a surrogate pair starting 0xD834, which sorts
	// before U+FF01 in UTF-16 code units but after it in UTF-8 byte order.
	if CompareUTF16("\U0001D306", "！") >= 0 {
		t.Error("expected U+1D306 to sort before U+FF01 in UTF-16 order")
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 0, "a": 0, "！": 0})
	want := []string{"a", "b", "！"}
	if len(keys) != len(want) {
		t.Fatalf("SortedKeys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("SortedKeys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
