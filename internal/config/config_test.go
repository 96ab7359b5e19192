package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTOML(t *testing.T, dirs map[string]string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[jade_database]\ndatabase_name = \"" + dirs["db"] + "\"\n\n" +
		"[sps_disk_archiver]\n" +
		"inbox_dir = \"" + dirs["inbox"] + "\"\n" +
		"work_dir = \"" + dirs["work"] + "\"\n" +
		"cache_dir = \"" + dirs["cache"] + "\"\n" +
		"problem_files_dir = \"" + dirs["problem"] + "\"\n" +
		"mount_paths = [\"/mnt/disk1\"]\n" + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	root := t.TempDir()
	dirs := map[string]string{
		"inbox":   filepath.Join(root, "inbox"),
		"work":    filepath.Join(root, "work"),
		"cache":   filepath.Join(root, "cache"),
		"problem": filepath.Join(root, "problem"),
		"db":      filepath.Join(root, "catalog.db"),
	}
	for _, d := range []string{dirs["inbox"], dirs["work"], dirs["cache"], dirs["problem"]} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	cfg, err := Load(writeTOML(t, dirs, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Archiver.CloseSemaphoreName != "close.semaphore" {
		t.Fatalf("expected default close semaphore name, got %q", cfg.Archiver.CloseSemaphoreName)
	}
	if cfg.Archiver.KeyPrefix != "ukey_" {
		t.Fatalf("expected default key prefix, got %q", cfg.Archiver.KeyPrefix)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	root := t.TempDir()
	dirs := map[string]string{
		"inbox":   filepath.Join(root, "inbox"),
		"work":    filepath.Join(root, "work"),
		"cache":   "",
		"problem": filepath.Join(root, "problem"),
		"db":      filepath.Join(root, "catalog.db"),
	}
	if _, err := Load(writeTOML(t, dirs, "")); err == nil {
		t.Fatal("expected error for missing cache_dir")
	}
}

func TestLoadRejectsCrossFilesystemDirs(t *testing.T) {
	const other = "/dev/shm"
	info, err := os.Stat(other)
	if err != nil || !info.IsDir() {
		t.Skip("no /dev/shm on this system to use as a second filesystem")
	}

	root := t.TempDir()
	var rootSt, otherSt os.FileInfo
	if rootSt, err = os.Stat(root); err != nil {
		t.Fatalf("stat %s: %v", root, err)
	}
	if otherSt, err = os.Stat(other); err != nil {
		t.Fatalf("stat %s: %v", other, err)
	}
	if os.SameFile(rootSt, otherSt) {
		t.Skip("temp dir and /dev/shm resolve to the same filesystem here")
	}

	crossDir, err := os.MkdirTemp(other, "diskarchiver-test-")
	if err != nil {
		t.Skip("cannot create a directory under /dev/shm")
	}
	t.Cleanup(func() { os.RemoveAll(crossDir) })

	dirs := map[string]string{
		"inbox":   filepath.Join(root, "inbox"),
		"work":    filepath.Join(root, "work"),
		"cache":   crossDir,
		"problem": filepath.Join(root, "problem"),
		"db":      filepath.Join(root, "catalog.db"),
	}
	for _, d := range []string{dirs["inbox"], dirs["work"], dirs["problem"]} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	_, err = Load(writeTOML(t, dirs, ""))
	if err == nil {
		t.Fatal("expected cross-filesystem config to be rejected")
	}
}
