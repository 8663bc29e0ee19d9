package forensicexport

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/hash"
	"trace-correlator/internal/services/caseview"
	"trace-correlator/internal/services/privacy"
	"trace-correlator/internal/services/timeline"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *sqliteadapter.Store
	sess     *caseview.Session
	caseID   string
	deviceID string
	dir      string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqliteadapter.Open(ctx, filepath.Join(dir, "case.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqliteadapter.NewStore(db)

	caseID, err := store.EnsureCase(ctx, "", "WO-ZIP-001", "Zip Test", "tester", "")
	require.NoError(t, err)
	dev, err := store.AddDevice(ctx, model.Device{CaseID: caseID, Name: "iPhone", Identifier: "00008030-001A2B3C", ImagePaths: []string{"/evidence/alice/full.zip"}})
	require.NoError(t, err)

	snapPath := filepath.Join(dir, "extract", "ab12_snap.ktx")
	require.NoError(t, os.MkdirAll(filepath.Dir(snapPath), 0o755))
	require.NoError(t, os.WriteFile(snapPath, []byte("ktx-bytes"), 0o644))

	require.NoError(t, store.ReplaceLocations(ctx, dev.ID, []model.Location{
		{DeviceID: dev.ID, Latitude: 31.230416, Longitude: 121.473701, Timestamp: 1_700_000_000_000},
		{DeviceID: dev.ID, Latitude: 31.231, Longitude: 121.474, Timestamp: 1_700_000_100_000},
	}))
	require.NoError(t, store.ReplaceWifiSightings(ctx, dev.ID, []model.WifiSighting{
		{DeviceID: dev.ID, MAC: 0xA1B2C3D4E5F6, Latitude: 31.2305, Longitude: 121.4738, Timestamp: 1_700_000_050_000},
	}))
	require.NoError(t, store.ReplaceSnapshotArtifacts(ctx, dev.ID, []model.SnapshotArtifact{
		{DeviceID: dev.ID, Filename: "ab12_snap.ktx", Filepath: snapPath, SizeBytes: 9, Timestamp: 1_700_000_010_000},
	}))
	_, err = store.AddArea(ctx, model.Area{CaseID: caseID, Name: "home", Latitude: 31.2304, Longitude: 121.4737, RadiusMeters: 50})
	require.NoError(t, err)

	sess, err := caseview.Load(ctx, store, caseID, caseview.Options{})
	require.NoError(t, err)
	return fixture{store: store, sess: sess, caseID: caseID, deviceID: dev.ID, dir: dir}
}

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		require.NoError(t, err)
		out[f.Name] = b
	}
	return out
}

func TestGenerateForensicZip_ContentsAndHashes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	targets := filepath.Join(fx.dir, "targets.yaml")
	require.NoError(t, os.WriteFile(targets, []byte("version: test\n"), 0o644))

	res, err := GenerateForensicZip(ctx, fx.store, fx.sess, ZipOptions{
		ExportDir:   filepath.Join(fx.dir, "exports"),
		TargetsPath: targets,
		Operator:    "tester",
		Note:        "unit",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReportID)
	require.Empty(t, res.Warnings)

	sum, _, err := hash.File(res.ZipPath)
	require.NoError(t, err)
	require.Equal(t, sum, res.ZipSHA256)

	files := readZip(t, res.ZipPath)
	snapEntry := "snapshots/" + fx.deviceID + "/ab12_snap.ktx"
	for _, name := range []string{"manifest.json", "timeline.json", "wifi.json", "hashes.sha256", "rules/targets.yaml", snapEntry} {
		require.Contains(t, files, name)
	}
	require.Equal(t, "ktx-bytes", string(files[snapEntry]))

	var manifest ZipManifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	require.Equal(t, fx.caseID, manifest.Case.CaseID)
	require.Equal(t, privacy.ModeOff, manifest.Privacy)
	require.Len(t, manifest.Snapshots, 1)
	require.Equal(t, snapEntry, manifest.Snapshots[0].ZipPath)
	require.Len(t, manifest.Areas, 1)
	require.Equal(t, 1, manifest.Areas[0].Count)
	require.EqualValues(t, 2, manifest.Stats["location_count"])

	// hashes.sha256 覆盖除自身外的全部文件，且与内容一致
	listed := 0
	for _, line := range strings.Split(string(files["hashes.sha256"]), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		require.Len(t, parts, 2)
		h := sha256.Sum256(files[parts[1]])
		require.Equal(t, hex.EncodeToString(h[:]), parts[0], parts[1])
		listed++
	}
	require.Equal(t, len(files)-1, listed)

	info, err := fx.store.GetReportByID(ctx, res.ReportID)
	require.NoError(t, err)
	require.Equal(t, ReportTypeZip, info.ReportType)
	require.Equal(t, res.ZipSHA256, info.SHA256)
}

func TestGenerateForensicZip_MaskedMode(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	res, err := GenerateForensicZip(ctx, fx.store, fx.sess, ZipOptions{
		ExportDir: filepath.Join(fx.dir, "exports"),
		Privacy:   privacy.ModeMasked,
	})
	require.NoError(t, err)

	files := readZip(t, res.ZipPath)
	for name := range files {
		require.False(t, strings.HasPrefix(name, "snapshots/"), name)
	}

	var rows []model.MatchedLocation
	require.NoError(t, json.Unmarshal(files["timeline.json"], &rows))
	require.Len(t, rows, 2)
	require.Equal(t, 31.23, rows[0].Latitude)
	require.Equal(t, "ab12_snap.ktx", rows[0].Artifact.Filepath)

	var wifi []privacy.MaskedWifi
	require.NoError(t, json.Unmarshal(files["wifi.json"], &wifi))
	require.Len(t, wifi, 1)
	require.Equal(t, "A1:B2:C3:**:**:**", wifi[0].MAC)

	var manifest ZipManifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	require.Equal(t, "0000...", manifest.Devices[0].Identifier)
	require.Equal(t, "full.zip", manifest.Devices[0].ImagePaths[0])
	require.Empty(t, manifest.Snapshots[0].ZipPath)
	require.Equal(t, "ab12_snap.ktx", manifest.Snapshots[0].Snapshot.Filepath)
}

func TestGenerateForensicZip_OneSidedRangeIsEmpty(t *testing.T) {
	fx := newFixture(t)
	start := fx.sess.Bounds.Start
	res, err := GenerateForensicZip(context.Background(), fx.store, fx.sess, ZipOptions{
		ExportDir: filepath.Join(fx.dir, "exports"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ZipPath)

	res, err = GenerateForensicZip(context.Background(), fx.store, fx.sess, ZipOptions{
		ExportDir: filepath.Join(fx.dir, "exports"),
		Range:     timeline.Range{Start: start},
	})
	require.NoError(t, err)
	files := readZip(t, res.ZipPath)
	require.Equal(t, "[]", string(files["timeline.json"]))
}
