package builds

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genStatus includes the empty status, which stands for "not in this update".
func genStatus() gopter.Gen {
	return gen.OneConstOf(Status(""), StatusPending, StatusRunning, StatusSuccess, StatusFail)
}

func genPartialBuild(id int64) gopter.Gen {
	return gopter.CombineGens(
		genStatus(),
		gen.OneGenOf(gen.Const(""), gen.Identifier()),
		gen.OneGenOf(gen.Const(""), gen.Identifier()),
	).Map(func(vals []interface{}) Build {
		return Build{
			ID:     id,
			Status: vals[0].(Status),
			Logs:   vals[1].(string),
			Path:   vals[2].(string),
		}
	})
}

// lastKnown folds updates the way the store promises to: per field, the last
// non-empty value wins.
func lastKnown(updates []Build) Build {
	var want Build
	for _, u := range updates {
		want.ID = u.ID
		if u.Status != "" {
			want.Status = u.Status
		}
		if u.Logs != "" {
			want.Logs = u.Logs
		}
		if u.Path != "" {
			want.Path = u.Path
		}
	}
	return want
}

func TestUpsertMergeLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("partial updates for one id merge field by field", prop.ForAll(
		func(updates []Build) bool {
			if len(updates) == 0 {
				return true
			}
			s := NewStore("")
			for _, u := range updates {
				s.Upsert(u)
			}
			if s.Len() != 1 {
				return false
			}
			got, _ := s.Get(1)
			want := lastKnown(updates)
			return got.Status == want.Status && got.Logs == want.Logs && got.Path == want.Path
		},
		gen.SliceOf(genPartialBuild(1)),
	))

	properties.TestingRun(t)
}

func TestAppendLogLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("appended lines join with newlines", prop.ForAll(
		func(lines []string) bool {
			s := NewStore("")
			s.Upsert(Build{ID: 1, Status: StatusRunning})
			for _, line := range lines {
				if !s.AppendLog(1, line) {
					return false
				}
			}
			got, _ := s.Get(1)
			return got.Logs == strings.Join(lines, "\n")
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
