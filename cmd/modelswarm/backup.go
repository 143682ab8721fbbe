package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/modelswarm/internal/config"
	"github.com/mtzanidakis/modelswarm/internal/store"
	"github.com/spf13/cobra"
)

// Archive sections. Every entry lives under one of these top-level
// directories.
const (
	sectionStore = "store"
	sectionNATS  = "nats"
)

// archiveSource is a file or directory copied into section.
type archiveSource struct {
	Section string
	Path    string
}

func newBackupCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the store and NATS data into a .tar.zst file",
		Long: `Archive the sqlite store and the embedded NATS data directory.

The store is snapshotted while open, so backup can run next to a live
"modelswarm serve". The NATS directory is copied as-is; stop the server
first for a consistent JetStream copy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runBackup(cmd.OutOrStdout(), cfg, output)
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "Output archive path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		input     string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the store and NATS data from a backup archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runRestore(cmd.OutOrStdout(), cfg, input, overwrite)
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "Archive to restore")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing data")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runBackup(out io.Writer, cfg *config.Config, outputPath string) error {
	tmp, err := os.MkdirTemp("", "modelswarm-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	snapshot := filepath.Join(tmp, filepath.Base(cfg.Store.Path))
	err = db.Snapshot(snapshot)
	db.Close()
	if err != nil {
		return err
	}

	sources := []archiveSource{{Section: sectionStore, Path: snapshot}}
	if info, err := os.Stat(cfg.NATS.DataDir); err == nil && info.IsDir() {
		sources = append(sources, archiveSource{Section: sectionNATS, Path: cfg.NATS.DataDir})
	} else {
		slog.Warn("nats data dir not found, skipping", "path", cfg.NATS.DataDir)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	files, err := writeArchive(f, sources)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	fmt.Fprintf(out, "Backup complete: %d sections, %d files, %s\n", len(sources), files, formatSize(size))
	return nil
}

// writeArchive streams sources into w as a zstd-compressed tar and returns
// the number of regular files written.
func writeArchive(w io.Writer, sources []archiveSource) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	for _, src := range sources {
		slog.Info("archiving", "section", src.Section, "path", src.Path)
		n, err := addSource(tw, src)
		if err != nil {
			return files, fmt.Errorf("archive %s: %w", src.Section, err)
		}
		files += n
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("close zstd: %w", err)
	}
	return files, nil
}

func addSource(tw *tar.Writer, src archiveSource) (int, error) {
	root := filepath.Clean(src.Path)
	info, err := os.Stat(root)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 1, addFile(tw, root, path.Join(src.Section, info.Name()), info)
	}

	files := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(src.Section, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			files++
			return addFile(tw, p, name, info)
		default:
			slog.Debug("skipping non-regular file", "path", p)
			return nil
		}
	})
	return files, err
}

func addFile(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(out io.Writer, cfg *config.Config, inputPath string, overwrite bool) error {
	sections, err := scanArchiveSections(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		fmt.Fprintln(out, "Archive contains no data.")
		return nil
	}

	if !overwrite {
		for _, section := range sections {
			target := sectionTarget(cfg, section)
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists, add --overwrite to replace it", target)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	files, err := extractArchive(f, func(section, rel string) string {
		if section == sectionStore {
			// the store section holds the single database file
			return cfg.Store.Path
		}
		return filepath.Join(sectionTarget(cfg, section), filepath.FromSlash(rel))
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Restore complete: %d sections, %d files\n", len(sections), files)
	return nil
}

func sectionTarget(cfg *config.Config, section string) string {
	if section == sectionStore {
		return cfg.Store.Path
	}
	return cfg.NATS.DataDir
}

// extractArchive writes every entry to the path target returns for it and
// reports the number of regular files written.
func extractArchive(r io.Reader, target func(section, rel string) string) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitSectionPath(hdr.Name)
		if section == "" {
			continue
		}
		if rel != "./" && !filepath.IsLocal(filepath.FromSlash(strings.TrimSuffix(rel, "/"))) {
			return files, fmt.Errorf("unsafe path in archive: %s", hdr.Name)
		}
		dest := target(section, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if section == sectionStore {
				continue
			}
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		}
	}
}

func writeFile(dest string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

// scanArchiveSections reads tar headers to collect the sections present,
// without extracting file data.
func scanArchiveSections(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := make(map[string]bool)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		section, _ := splitSectionPath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			names = append(names, section)
		}
	}
	return names, nil
}

// splitSectionPath splits "nats/jetstream/x" into ("nats", "jetstream/x").
// Unknown sections return an empty section.
func splitSectionPath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}
	section, rel, _ = strings.Cut(name, "/")
	if rel == "" {
		rel = "./"
	}
	if section != sectionStore && section != sectionNATS {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
