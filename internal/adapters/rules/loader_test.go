package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"trace-correlator/internal/domain/model"
)

func TestLoad_Builtin(t *testing.T) {
	got, err := NewLoader("").Load(context.Background())
	if err != nil {
		t.Fatalf("load builtin: %v", err)
	}
	if got.Source != "builtin" || got.SHA256 == "" {
		t.Fatalf("unexpected builtin meta: %+v", got)
	}
	if err := Validate(got.Bundle); err != nil {
		t.Fatalf("builtin bundle must validate: %v", err)
	}
	for _, k := range model.AllKinds() {
		if len(got.ForKind(k)) == 0 {
			t.Fatalf("builtin bundle has no target for %s", k)
		}
	}
}

func TestDefaultBundle_MatchesZipAndBackupPaths(t *testing.T) {
	b := DefaultBundle()
	paths := map[string][]string{
		"ios_routined_cache": {
			"filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite",
			"/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite",
		},
		"ios_knowledgec": {
			"filesystem1/private/var/mobile/Library/CoreDuet/Knowledge/knowledgeC.db",
		},
		"ios_locationd_wifi": {
			"/private/var/root/Library/Caches/locationd/cache_encryptedB.db",
		},
		"ios_system_version": {
			"filesystem1/System/Library/CoreServices/SystemVersion.plist",
		},
	}
	for _, target := range b.Targets {
		p, err := Compile(target)
		if err != nil {
			t.Fatalf("compile %s: %v", target.ID, err)
		}
		for _, path := range paths[target.ID] {
			if !p.Match(path) {
				t.Fatalf("%s should match %s", target.ID, path)
			}
			if p.Match(path + "-wal") {
				t.Fatalf("%s must not match sidecar %s-wal", target.ID, path)
			}
		}
	}
}

func TestLoad_FileAndValidation(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "targets.yaml")
	if err := os.WriteFile(good, []byte(`version: "2"
bundle_type: extraction_targets
targets:
  - id: routined
    enabled: true
    kind: locations
    match: literal
    pattern: filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite
  - id: snapshots
    enabled: false
    kind: snapshots
    match: wildcard
    pattern: "*.ktx"
    multiple: true
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := NewLoader(good).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Source != good || len(got.Bundle.Targets) != 2 {
		t.Fatalf("unexpected: %+v", got)
	}
	if len(got.ForKind(model.KindSnapshots)) != 0 {
		t.Fatalf("disabled target must be skipped")
	}

	cases := map[string]string{
		"dup": `version: "1"
bundle_type: extraction_targets
targets:
  - {id: a, kind: usage, match: literal, pattern: x}
  - {id: a, kind: usage, match: literal, pattern: y}
`,
		"kind": `version: "1"
bundle_type: extraction_targets
targets:
  - {id: a, kind: browser, match: literal, pattern: x}
`,
		"regexp": `version: "1"
bundle_type: extraction_targets
targets:
  - {id: a, kind: usage, match: regexp, pattern: "("}
`,
		"type": `version: "1"
bundle_type: wallet
targets:
  - {id: a, kind: usage, match: literal, pattern: x}
`,
	}
	for name, body := range cases {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := NewLoader(p).Load(context.Background()); !errors.Is(err, ErrInvalidBundle) {
			t.Fatalf("%s: expected ErrInvalidBundle, got %v", name, err)
		}
	}
}
