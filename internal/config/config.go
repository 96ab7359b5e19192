// Package config loads the disk archiver's TOML configuration. The JSON
// sidecar files it names (data streams, disk archives, contacts) are read
// by cmd/diskarchiver, not by this package.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// EmailConfig is the [email_configuration] TOML table.
type EmailConfig struct {
	Enabled  bool   `toml:"enabled"`
	From     string `toml:"from"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	ReplyTo  string `toml:"reply_to"`
}

// DatabaseConfig is the [jade_database] TOML table. Host/Port/Username/
// Password are accepted for forward compatibility with a server-backed
// catalog driver but are not dialed by this repo; DatabaseName is the path
// to the sqlite catalog file actually opened by internal/catalog.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	DatabaseName string `toml:"database_name"`
}

// ArchiverConfig is the [sps_disk_archiver] TOML table.
type ArchiverConfig struct {
	ArchiveHeadroom       int64    `toml:"archive_headroom"`
	CacheDir              string   `toml:"cache_dir"`
	HostID                int64    `toml:"host_id"`
	ContactsJSONPath      string   `toml:"contacts_json_path"`
	DataStreamsJSONPath   string   `toml:"data_streams_json_path"`
	DiskArchivesJSONPath  string   `toml:"disk_archives_json_path"`
	InboxDir              string   `toml:"inbox_dir"`
	MinimumDiskAgeSeconds int64    `toml:"minimum_disk_age_seconds"`
	OutboxDir             string   `toml:"outbox_dir"`
	ProblemFilesDir       string   `toml:"problem_files_dir"`
	ReclaimWork           bool     `toml:"reclaim_work"`
	StatusPort            int      `toml:"status_port"`
	TeraTemplateGlob      string   `toml:"tera_template_glob"`
	ThreadDelayInitial    int64    `toml:"thread_delay_initial"`
	WorkCycleSleepSeconds int64    `toml:"work_cycle_sleep_seconds"`
	WorkDir               string   `toml:"work_dir"`
	MountPaths            []string `toml:"mount_paths"`
	CloseSemaphoreName    string   `toml:"close_semaphore_name"`
	KeyPrefix             string   `toml:"key_prefix"`
}

// Config is the fully-parsed TOML configuration handed to every
// constructor in the core. Nothing below cmd/ re-reads the file.
type Config struct {
	Email    EmailConfig    `toml:"email_configuration"`
	Database DatabaseConfig `toml:"jade_database"`
	Archiver ArchiverConfig `toml:"sps_disk_archiver"`
}

// applyDefaults fills in values the spec documents as defaults when a TOML
// file omits them.
func (c *Config) applyDefaults() {
	if c.Archiver.CloseSemaphoreName == "" {
		c.Archiver.CloseSemaphoreName = "close.semaphore"
	}
	if c.Archiver.KeyPrefix == "" {
		c.Archiver.KeyPrefix = "ukey_"
	}
	if c.Archiver.WorkCycleSleepSeconds == 0 {
		c.Archiver.WorkCycleSleepSeconds = 60
	}
}

// Load parses the TOML file at path into a Config.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	required := map[string]string{
		"sps_disk_archiver.inbox_dir":         cfg.Archiver.InboxDir,
		"sps_disk_archiver.work_dir":          cfg.Archiver.WorkDir,
		"sps_disk_archiver.cache_dir":         cfg.Archiver.CacheDir,
		"sps_disk_archiver.problem_files_dir": cfg.Archiver.ProblemFilesDir,
		"jade_database.database_name":         cfg.Database.DatabaseName,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("config: %s is required", key)
		}
	}
	if len(cfg.Archiver.MountPaths) == 0 {
		return fmt.Errorf("config: sps_disk_archiver.mount_paths must list at least one mount")
	}
	return checkSameFilesystem(
		cfg.Archiver.InboxDir,
		cfg.Archiver.WorkDir,
		cfg.Archiver.CacheDir,
		cfg.Archiver.ProblemFilesDir,
	)
}

// checkSameFilesystem rejects a configuration whose core working
// directories straddle filesystems. Phase R reclaims work_dir back to
// inbox_dir, Phase S quarantines into problem_files_dir, and Phase P's
// final step moves work_dir into cache_dir — all by same-filesystem
// rename, per §4.3. A config spanning filesystems here would silently
// turn those renames into cross-device failures at runtime instead of
// at startup.
func checkSameFilesystem(dirs ...string) error {
	var refPath string
	var refDev uint64
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(dir, &st); err != nil {
			// mustExist reports missing directories separately; a stat
			// failure here just means there's nothing to compare yet.
			continue
		}
		if refPath == "" {
			refPath, refDev = dir, uint64(st.Dev)
			continue
		}
		if uint64(st.Dev) != refDev {
			return fmt.Errorf("config: %s and %s are on different filesystems, cross-filesystem rename is not supported", refPath, dir)
		}
	}
	return nil
}

// mustExist is a small startup-time helper behind CheckDirectories, which
// cmd/ calls to fail fast with exit code 1 when a configured directory
// doesn't exist yet.
func mustExist(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// CheckDirectories verifies the four core directories named in the
// archiver config exist, returning a Configuration-class error otherwise.
func (c Config) CheckDirectories() error {
	for _, dir := range []string{c.Archiver.InboxDir, c.Archiver.WorkDir, c.Archiver.CacheDir, c.Archiver.ProblemFilesDir} {
		if err := mustExist(dir); err != nil {
			return err
		}
	}
	return nil
}
