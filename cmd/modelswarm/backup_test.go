package main

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/store"
)

func TestSplitSectionPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantSec string
		wantRel string
	}{
		{"store file", "store/modelswarm.db", "store", "modelswarm.db"},
		{"nested nats path", "nats/jetstream/stream/msgs/1.blk", "nats", "jetstream/stream/msgs/1.blk"},
		{"directory with slash", "nats/jetstream/", "nats", "jetstream/"},
		{"section root dir", "nats/", "nats", "./"},
		{"bare section", "nats", "nats", "./"},
		{"leading dot-slash", "./store/modelswarm.db", "store", "modelswarm.db"},
		{"leading slash", "/nats/file", "nats", "file"},
		{"unknown section", "other/file.txt", "", ""},
		{"empty string", "", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSec, gotRel := splitSectionPath(tt.input)
			if gotSec != tt.wantSec || gotRel != tt.wantRel {
				t.Errorf("splitSectionPath(%q) = (%q, %q), want (%q, %q)", tt.input, gotSec, gotRel, tt.wantSec, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	dbFile := filepath.Join(src, "modelswarm.db")
	natsDir := filepath.Join(src, "nats")
	mustWrite(t, dbFile, "sqlite-data")
	mustWrite(t, filepath.Join(natsDir, "jetstream", "meta.inf"), "meta")
	mustWrite(t, filepath.Join(natsDir, "jetstream", "msgs", "1.blk"), "block")

	var buf bytes.Buffer
	files, err := writeArchive(&buf, []archiveSource{
		{Section: sectionStore, Path: dbFile},
		{Section: sectionNATS, Path: natsDir},
	})
	if err != nil {
		t.Fatalf("write archive: %v", err)
	}
	if files != 3 {
		t.Errorf("expected 3 files archived, got %d", files)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	mustWrite(t, archive, buf.String())
	sections, err := scanArchiveSections(archive)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !slices.Equal(sections, []string{sectionStore, sectionNATS}) {
		t.Errorf("expected store and nats sections, got %v", sections)
	}

	dst := t.TempDir()
	restored, err := extractArchive(bytes.NewReader(buf.Bytes()), func(section, rel string) string {
		if section == sectionStore {
			return filepath.Join(dst, "restored.db")
		}
		return filepath.Join(dst, "nats", filepath.FromSlash(rel))
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if restored != 3 {
		t.Errorf("expected 3 files restored, got %d", restored)
	}
	checks := []struct {
		path string
		want string
	}{
		{filepath.Join(dst, "restored.db"), "sqlite-data"},
		{filepath.Join(dst, "nats", "jetstream", "meta.inf"), "meta"},
		{filepath.Join(dst, "nats", "jetstream", "msgs", "1.blk"), "block"},
	}
	for _, c := range checks {
		data, err := os.ReadFile(c.path)
		if err != nil {
			t.Errorf("read %s: %v", c.path, err)
			continue
		}
		if string(data) != c.want {
			t.Errorf("expected %q in %s, got %q", c.want, c.path, data)
		}
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw, _ := zstd.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	_ = tw.WriteHeader(&tar.Header{Name: "nats/../../escape", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg})
	_, _ = tw.Write([]byte("x"))
	tw.Close()
	zw.Close()

	dst := t.TempDir()
	_, err := extractArchive(&buf, func(_, rel string) string {
		return filepath.Join(dst, rel)
	})
	if err == nil || !strings.Contains(err.Error(), "unsafe path") {
		t.Errorf("expected unsafe path error, got %v", err)
	}
}

func TestScanArchiveSectionsInvalid(t *testing.T) {
	if _, err := scanArchiveSections("/nonexistent/file.tar.zst"); err == nil {
		t.Error("expected error for nonexistent file")
	}
	bad := filepath.Join(t.TempDir(), "bad.tar.zst")
	mustWrite(t, bad, "not zstd data")
	if _, err := scanArchiveSections(bad); err == nil {
		t.Error("expected error for invalid zstd data")
	}
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Store: config.StoreConfig{Path: filepath.Join(dir, "data", "modelswarm.db")},
		NATS:  config.NATSConfig{DataDir: filepath.Join(dir, "data", "nats")},
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.SaveProsthetic("coder", "prefer small diffs"); err != nil {
		t.Fatal(err)
	}
	db.Close()
	mustWrite(t, filepath.Join(cfg.NATS.DataDir, "jetstream", "meta.inf"), "meta")

	archive := filepath.Join(dir, "backup.tar.zst")
	var out bytes.Buffer
	if err := runBackup(&out, cfg, archive); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Backup complete: 2 sections, 2 files") {
		t.Errorf("unexpected backup output %q", out.String())
	}

	if err := runRestore(&out, cfg, archive, false); err == nil {
		t.Error("expected restore to refuse existing data")
	}

	restoreCfg := &config.Config{
		Store: config.StoreConfig{Path: filepath.Join(dir, "restored", "modelswarm.db")},
		NATS:  config.NATSConfig{DataDir: filepath.Join(dir, "restored", "nats")},
	}
	out.Reset()
	if err := runRestore(&out, restoreCfg, archive, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if out.String() != "Restore complete: 2 sections, 2 files\n" {
		t.Errorf("unexpected restore output %q", out.String())
	}

	db, err = store.New(restoreCfg.Store)
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	defer db.Close()
	got, _ := db.LoadProsthetics()
	if got["coder"] != "prefer small diffs" {
		t.Errorf("expected prosthetic restored, got %q", got["coder"])
	}
	if _, err := os.Stat(filepath.Join(restoreCfg.NATS.DataDir, "jetstream", "meta.inf")); err != nil {
		t.Errorf("expected nats data restored: %v", err)
	}
}

func mustWrite(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
