package xray

import (
	"strings"
	"testing"
	"time"
)

func TestLikePatternEscapesMetacharacters(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pneumonia", "%pneumonia%"},
		{"50%", `%50\%%`},
		{"P_0001", `%P\_0001%`},
		{`back\slash`, `%back\\slash%`},
		{"%_", `%\%\_%`},
	}
	for _, c := range cases {
		if got := likePattern(c.in); got != c.want {
			t.Errorf("likePattern(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildWhereEscapesPatternInput(t *testing.T) {
	where, args := buildWhere(Filter{
		Search:    "100%",
		Diagnosis: "under_score",
		Tags:      []string{"50%"},
	})

	if !strings.Contains(where, "ILIKE") {
		t.Fatalf("where = %q", where)
	}
	want := map[string]bool{
		`%100\%%`:        false,
		`%under\_score%`: false,
		`%50\%%`:         false,
	}
	for _, a := range args {
		s, ok := a.(string)
		if !ok {
			continue
		}
		if _, tracked := want[s]; tracked {
			want[s] = true
		}
	}
	for pattern, seen := range want {
		if !seen {
			t.Errorf("pattern %q missing from args %v", pattern, args)
		}
	}
}

func TestBuildWherePlacedArgsInOrder(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildWhere(Filter{
		BodyPart:  "Chest",
		PatientID: "P00001",
		ScanFrom:  &from,
	})

	if len(args) != 3 {
		t.Fatalf("args = %v", args)
	}
	for i := 1; i <= len(args); i++ {
		if !strings.Contains(where, "$"+string(rune('0'+i))) {
			t.Errorf("where lacks $%d: %q", i, where)
		}
	}
	if args[0] != "Chest" {
		t.Errorf("body part arg = %v", args[0])
	}
	if args[1] != `%P00001%` {
		t.Errorf("patient pattern = %v", args[1])
	}
}
