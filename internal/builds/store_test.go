package builds

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertMergesPartialUpdates(t *testing.T) {
	s := NewStore("")

	if _, created := s.Upsert(Build{ID: 1, Status: StatusRunning}); !created {
		t.Fatal("first upsert should create")
	}
	got, created := s.Upsert(Build{ID: 1, Logs: "abc"})
	if created {
		t.Fatal("second upsert should merge")
	}
	if got.Status != StatusRunning || got.Logs != "abc" {
		t.Fatalf("merged build = %+v, want status RUNNING and logs abc", got)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestUpsertKeepsArrivalOrder(t *testing.T) {
	s := NewStore("")
	s.Upsert(Build{ID: 3})
	s.Upsert(Build{ID: 1})
	s.Upsert(Build{ID: 3, Status: StatusFail})
	s.Upsert(Build{ID: 2})

	var ids []int64
	for _, b := range s.List() {
		ids = append(ids, b.ID)
	}
	want := []int64{3, 1, 2}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestAppendLog(t *testing.T) {
	s := NewStore("")
	s.Upsert(Build{ID: 1, Status: StatusRunning})

	s.AppendLog(1, "a")
	s.AppendLog(1, "b")

	b, _ := s.Get(1)
	if b.Logs != "a\nb" {
		t.Fatalf("logs = %q, want %q", b.Logs, "a\nb")
	}
}

func TestAppendLogUnknownBuildIsDropped(t *testing.T) {
	s := NewStore("")
	if s.AppendLog(42, "lost") {
		t.Fatal("AppendLog for unknown build should report false")
	}
	if s.Len() != 0 {
		t.Fatal("AppendLog must not create builds")
	}
}

func TestReplaceDeduplicates(t *testing.T) {
	s := NewStore("")
	s.Upsert(Build{ID: 9})
	s.Replace([]Build{
		{ID: 1, Status: StatusSuccess},
		{ID: 2, Status: StatusRunning},
		{ID: 1, Path: "/builds/1"},
	})

	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if _, ok := s.Get(9); ok {
		t.Fatal("replace should drop old entries")
	}
	b, _ := s.Get(1)
	if b.Status != StatusSuccess || b.Path != "/builds/1" {
		t.Fatalf("build 1 = %+v", b)
	}
	running := s.Running()
	if len(running) != 1 || running[0].ID != 2 {
		t.Fatalf("running = %+v", running)
	}
}

func TestLatestSuccessPrefersNewerLiveBuild(t *testing.T) {
	s := NewStore("")
	if _, ok := s.LatestSuccess(); ok {
		t.Fatal("empty store has no latest success")
	}

	s.SetLatestSuccess(&Build{ID: 4, Status: StatusSuccess})
	s.Upsert(Build{ID: 3, Status: StatusSuccess})
	if b, _ := s.LatestSuccess(); b.ID != 4 {
		t.Fatalf("latest = %d, want 4", b.ID)
	}

	s.Upsert(Build{ID: 7, Status: StatusSuccess})
	if b, _ := s.LatestSuccess(); b.ID != 7 {
		t.Fatalf("latest = %d, want 7", b.ID)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.json")
	s := NewStore(path)
	s.Upsert(Build{ID: 5, Status: StatusRunning})
	s.AppendLog(5, "cloning")
	s.Flush()

	list, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(list) != 1 || list[0].Logs != "cloning" || list[0].Status != StatusRunning {
		t.Fatalf("snapshot = %+v", list)
	}
}

func TestTimestampFormats(t *testing.T) {
	want := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)
	cases := []string{
		`"2025-05-01T12:30:00"`,
		`"2025-05-01T12:30:00.000000"`,
		`"2025-05-01T12:30:00Z"`,
		`1746102600000`,
	}
	for _, c := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(c), &ts); err != nil {
			t.Fatalf("unmarshal %s: %v", c, err)
		}
		if !ts.Equal(want) {
			t.Errorf("unmarshal %s = %v, want %v", c, ts.Time, want)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Fatalf("null should decode to zero, got %v, %v", ts, err)
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestDecodeBackendBuild(t *testing.T) {
	body := `{"id":12,"buildStatus":"RUNNING","logs":null,"createdAt":"2025-05-01T12:30:00","updatedAt":null,"game":{"id":3}}`
	var b Build
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.ID != 12 || b.Status != StatusRunning || b.Logs != "" || b.CreatedAt.IsZero() || !b.UpdatedAt.IsZero() {
		t.Fatalf("decoded = %+v", b)
	}
}

func TestStatusHelpers(t *testing.T) {
	if !StatusSuccess.Terminal() || !StatusFail.Terminal() {
		t.Fatal("SUCCESS and FAIL are terminal")
	}
	if StatusRunning.Terminal() || StatusPending.Terminal() {
		t.Fatal("PENDING and RUNNING are transient")
	}
	if Status("QUEUED").Valid() {
		t.Fatal("QUEUED is not a build status")
	}
	if StatusFail.Label() != "Fail" {
		t.Fatalf("label = %q", StatusFail.Label())
	}
}
