package main

import (
	"context"
	"path/filepath"
	"testing"

	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/domain/model"

	"github.com/stretchr/testify/require"
)

func TestRun_UnknownCommand(t *testing.T) {
	require.Error(t, run(context.Background(), []string{"bogus"}))
	require.NoError(t, run(context.Background(), nil))
}

func TestRun_MigrateCaseAreaExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := filepath.Join(dir, "cli.db")
	t.Setenv("TRACE_CORRELATOR_CONFIG", "")

	require.NoError(t, run(ctx, []string{"migrate", "--db", db}))
	require.NoError(t, run(ctx, []string{"case", "create", "--db", db, "--case-id", "case_cli", "--title", "CLI"}))
	require.Error(t, run(ctx, []string{"case", "status", "--db", db, "--case-id", "case_cli", "--status", "bogus"}))
	require.NoError(t, run(ctx, []string{"case", "status", "--db", db, "--case-id", "case_cli", "--status", "archived"}))

	// 直接写入证据，绕开镜像提取
	sqlDB, err := sqliteadapter.Open(ctx, db)
	require.NoError(t, err)
	store := sqliteadapter.NewStore(sqlDB)
	dev, err := store.AddDevice(ctx, model.Device{CaseID: "case_cli", Name: "iPhone", ImagePaths: []string{"/x.zip"}})
	require.NoError(t, err)
	require.NoError(t, store.ReplaceLocations(ctx, dev.ID, []model.Location{
		{DeviceID: dev.ID, Latitude: 1, Longitude: 2, Timestamp: 1_000},
		{DeviceID: dev.ID, Latitude: 1.001, Longitude: 2.001, Timestamp: 2_000},
	}))
	require.NoError(t, sqlDB.Close())

	require.NoError(t, run(ctx, []string{"area", "add", "--db", db, "--case-id", "case_cli", "--name", "spot", "--lat", "1", "--lon", "2", "--radius", "10"}))
	require.Error(t, run(ctx, []string{"area", "add", "--db", db, "--case-id", "case_cli", "--name", "bad", "--lat", "1", "--lon", "2"}))
	require.NoError(t, run(ctx, []string{"area", "list", "--db", db, "--case-id", "case_cli"}))
	require.NoError(t, run(ctx, []string{"timeline", "--db", db, "--case-id", "case_cli", "--all", "--format", "markdown"}))
	require.NoError(t, run(ctx, []string{"timeline", "--db", db, "--case-id", "case_cli", "--start", "1000", "--end", "1500", "--format", "json"}))
	require.Error(t, run(ctx, []string{"timeline", "--db", db, "--case-id", "missing", "--all"}))

	out := filepath.Join(dir, "exports")
	require.NoError(t, run(ctx, []string{"export", "zip", "--db", db, "--case-id", "case_cli", "--out-dir", out}))
	matches, err := filepath.Glob(filepath.Join(out, "*.zip"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, run(ctx, []string{"verify", "zip", "--zip", matches[0]}))
	require.NoError(t, run(ctx, []string{"verify", "audits", "--db", db, "--case-id", "case_cli"}))
	require.NoError(t, run(ctx, []string{"report", "--db", db, "--case-id", "case_cli", "--list"}))
}

func TestParseRangeFlags(t *testing.T) {
	r, err := parseRangeFlags("1000", "2023-11-14 22:13:20")
	require.NoError(t, err)
	require.True(t, r.Complete())
	require.EqualValues(t, 1000, *r.Start)
	require.EqualValues(t, 1_700_000_000_000, *r.End)

	r, err = parseRangeFlags("", "5")
	require.NoError(t, err)
	require.False(t, r.Complete())

	_, err = parseRangeFlags("yesterday", "")
	require.Error(t, err)
}

func TestParseFormatAndMatchedRow(t *testing.T) {
	f, err := parseFormat("")
	require.NoError(t, err)
	require.Equal(t, formatTable, f)
	_, err = parseFormat("csv")
	require.Error(t, err)

	row := matchedRow(3, model.MatchedLocation{
		Location:    model.Location{DisplayOrdinal: 2, Latitude: 31.5, Longitude: 121.25, Timestamp: 1_700_000_000_123},
		HasArtifact: true,
		Artifact:    &model.SnapshotArtifact{Filename: "a.ktx"},
	})
	require.Equal(t, "2023-11-14 22:13:20.123", row[1])
	require.Equal(t, "#2", row[2])
	require.Equal(t, "31.500000, 121.250000", row[3])
	require.Equal(t, "a.ktx", row[4])
	require.Equal(t, "-", row[5])
}

func TestStringList(t *testing.T) {
	var s stringList
	require.NoError(t, s.Set("a"))
	require.NoError(t, s.Set("b"))
	require.Equal(t, "a,b", s.String())
}
