package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/core"
)

func TestSameEntry(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		amount   string
		remote   string
		created  time.Time
		loc      *time.Location
		expected bool
	}{
		{"same amount same day", "25.00", "25", base.Add(3 * time.Hour), time.UTC, true},
		{"sub-cent difference", "25.00", "25.004", base, time.UTC, true},
		{"one cent off", "25.00", "25.01", base, time.UTC, false},
		{"next day", "25.00", "25.00", base.Add(24 * time.Hour), time.UTC, false},
		{"same utc day, different local day", "25.00", "25.00", time.Date(2025, 5, 1, 22, 30, 0, 0, time.UTC), rome, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := core.LedgerEntry{Amount: decimal.RequireFromString(tt.amount), OccurredAt: base}
			got := SameEntry(local, decimal.RequireFromString(tt.remote), tt.created, tt.loc)
			if got != tt.expected {
				t.Errorf("SameEntry() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestMatchByHeuristic_SkipsLinkedRecords(t *testing.T) {
	goals := []core.Goal{
		{SyncMeta: core.SyncMeta{LocalID: "a", RemoteID: 7}, Name: "Rent"},
		{SyncMeta: core.SyncMeta{LocalID: "b"}, Name: "Rent"},
	}
	idx := MatchByHeuristic(goals, func(g *core.Goal) bool { return g.Name == "Rent" })
	if idx != 1 {
		t.Errorf("MatchByHeuristic() = %d, expected 1", idx)
	}
	if idx := MatchByHeuristic(goals, func(g *core.Goal) bool { return g.Name == "Car" }); idx != -1 {
		t.Errorf("MatchByHeuristic() = %d, expected -1", idx)
	}
}

func TestTimesDiffer(t *testing.T) {
	now := time.Now()
	if timesDiffer(now, now.Add(59*time.Second)) {
		t.Error("59s apart should be treated as equal")
	}
	if !timesDiffer(now, now.Add(-2*time.Minute)) {
		t.Error("2m apart should differ")
	}
	if timesDiffer(now, time.Time{}) {
		t.Error("zero remote timestamp should be ignored")
	}
}

func TestNormalizePrimary(t *testing.T) {
	goals := []core.Goal{
		{SyncMeta: core.SyncMeta{LocalID: "remote", SyncState: core.Synced}, IsPrimary: true},
		{SyncMeta: core.SyncMeta{LocalID: "local", SyncState: core.Unsynced}, IsPrimary: true},
		{SyncMeta: core.SyncMeta{LocalID: "other", SyncState: core.Synced}},
	}
	if n := normalizePrimary(goals, time.Now()); n != 1 {
		t.Fatalf("normalizePrimary() demoted %d, expected 1", n)
	}
	if goals[0].IsPrimary || !goals[1].IsPrimary {
		t.Errorf("expected pending local primary to win: %+v", goals)
	}
	if goals[0].SyncState != core.Unsynced || goals[0].Revision != 1 {
		t.Errorf("demoted goal should be queued: %+v", goals[0].SyncMeta)
	}
	if goals[2].SyncState != core.Synced {
		t.Error("untouched goal changed state")
	}
}
