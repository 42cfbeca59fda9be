package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pu-workbench/internal/labapitest"
	"github.com/sells-group/pu-workbench/internal/model"
)

func seededFake(t *testing.T, n int) (*labapitest.Fake, string) {
	t.Helper()
	fake := labapitest.New()
	run := fake.SeedRun(model.ExperimentRun{Name: "hall b", Status: model.RunStatusLabeling, TotalDataPoolSize: 5000})

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	reviewed := base.Add(48 * time.Hour)
	items := make([]model.Candidate, n)
	for i := range items {
		items[i] = model.Candidate{
			ID:               fmt.Sprintf("c%03d", i),
			DetectionRule:    "z_score",
			AnomalyScore:     0.5,
			EventTimestamp:   base.Add(time.Duration(n-i) * time.Hour),
			DurationMinutes:  30,
			BuildingID:       "bldg-b",
			ElectricityDelta: float64(i),
		}
		switch i % 3 {
		case 0:
			items[i].Status = model.CandidateConfirmedPositive
			items[i].ReviewerID = "ana"
			items[i].ReviewedAt = &reviewed
		case 1:
			items[i].Status = model.CandidateRejectedNormal
			items[i].ReviewerID = "ana"
			items[i].ReviewedAt = &reviewed
		}
	}
	fake.SeedCandidates(run.ID, items)
	return fake, run.ID
}

func TestSave_SheetPerStatus(t *testing.T) {
	fake, runID := seededFake(t, 9)
	path := filepath.Join(t.TempDir(), "labels.xlsx")

	sum, err := New(fake).Save(context.Background(), runID, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sheets["Confirmed positive"])
	assert.Equal(t, 3, sum.Sheets["Rejected normal"])
	assert.NotContains(t, sum.Sheets, "Unreviewed")
	assert.Equal(t, 6, sum.Rows())

	rows, err := ReadSheet(path, "Confirmed positive")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, Header, rows[0])
	// Event order: the highest index has the earliest timestamp.
	assert.Equal(t, "c006", rows[1][0])
	assert.Equal(t, "CONFIRMED_POSITIVE", rows[1][1])
	assert.Equal(t, "ana", rows[1][12])
	assert.Equal(t, "2026-03-03T00:00:00Z", rows[1][14])

	runRows, err := ReadSheet(path, "Run")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "hall b"}, runRows[1])
	assert.Equal(t, []string{"unreviewed", "3"}, runRows[6])
}

func TestSave_IncludeUnreviewed(t *testing.T) {
	fake, runID := seededFake(t, 9)
	path := filepath.Join(t.TempDir(), "labels.xlsx")

	sum, err := New(fake).Save(context.Background(), runID, path, Options{IncludeUnreviewed: true})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sheets["Unreviewed"])

	rows, err := ReadSheet(path, "Unreviewed")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "UNREVIEWED", rows[1][1])
}

func TestWrite_PagesThroughLargeSheets(t *testing.T) {
	fake, runID := seededFake(t, 1800)

	var buf bytes.Buffer
	sum, err := New(fake).Write(context.Background(), runID, &buf, Options{})
	require.NoError(t, err)
	assert.Equal(t, 600, sum.Sheets["Confirmed positive"])
	assert.Equal(t, 600, sum.Sheets["Rejected normal"])
	assert.NotZero(t, buf.Len())
	assert.Equal(t, 4, fake.Calls("ListCandidates"))
}

func TestSave_MissingRun(t *testing.T) {
	fake := labapitest.New()
	_, err := New(fake).Save(context.Background(), "run-404", filepath.Join(t.TempDir(), "x.xlsx"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export: get run run-404")
}

func TestSave_ListError(t *testing.T) {
	fake, runID := seededFake(t, 3)
	fake.FailNext("ListCandidates", errors.New("backend down"))

	_, err := New(fake).Save(context.Background(), runID, filepath.Join(t.TempDir(), "x.xlsx"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestReadSheet_Missing(t *testing.T) {
	fake, runID := seededFake(t, 3)
	path := filepath.Join(t.TempDir(), "labels.xlsx")
	_, err := New(fake).Save(context.Background(), runID, path, Options{})
	require.NoError(t, err)

	_, err = ReadSheet(path, "Nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Nope" not found`)
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "Confirmed positive", SheetName(model.CandidateConfirmedPositive))
	assert.Equal(t, "Rejected normal", SheetName(model.CandidateRejectedNormal))
	assert.Equal(t, "Unreviewed", SheetName(model.CandidateUnreviewed))
}
