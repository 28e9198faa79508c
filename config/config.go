package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"mit.edu/dsg/journaldb/journal"
	"mit.edu/dsg/journaldb/logger"
)

// Config is the configuration of a journaldb database.
type Config struct {
	// DataDir holds the page files and node index snapshots.
	DataDir string
	// JournalDir holds the journal files. It defaults to DataDir/journal.
	JournalDir          string
	GroupCommit         bool
	GroupCommitInterval time.Duration
	SyncOnCommit        bool
	JournalMaxSize      int64
	JournalBufferSize   int
	RetainFiles         int
	DisableJournal      bool
	Log                 logger.Config
}

// Default returns the configuration used for keys missing from a configuration file.
func Default() *Config {
	return &Config{
		GroupCommitInterval: journal.DefaultGroupCommitInterval,
		SyncOnCommit:        true,
		JournalMaxSize:      journal.DefaultMaxFileSize,
		JournalBufferSize:   journal.DefaultBufferSize,
		RetainFiles:         journal.DefaultRetainFiles,
		Log:                 logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
	}
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration %s: %w", path, err)
	}
	c := Default()
	if err := c.Parse(data); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return c, nil
}

// Parse overrides c with the keys present in the YAML document data.
func (c *Config) Parse(data []byte) error {
	var aux struct {
		DataDir             string         `yaml:"data_dir"`
		JournalDir          string         `yaml:"journal_dir"`
		GroupCommit         *bool          `yaml:"group_commit"`
		GroupCommitInterval string         `yaml:"group_commit_interval"`
		SyncOnCommit        *bool          `yaml:"sync_on_commit"`
		JournalMaxSize      string         `yaml:"journal_max_size"`
		JournalBufferSize   string         `yaml:"journal_buffer_size"`
		RetainFiles         *int           `yaml:"retain_files"`
		DisableJournal      *bool          `yaml:"disable_journal"`
		Log                 *logger.Config `yaml:"log"`
	}
	if err := yaml.UnmarshalStrict(data, &aux); err != nil {
		return err
	}

	if aux.DataDir == "" {
		return errors.New("data_dir is required")
	}
	c.DataDir = aux.DataDir
	c.JournalDir = aux.JournalDir
	if c.JournalDir == "" {
		c.JournalDir = filepath.Join(c.DataDir, "journal")
	}

	if aux.GroupCommit != nil {
		c.GroupCommit = *aux.GroupCommit
	}
	if aux.GroupCommitInterval != "" {
		interval, err := time.ParseDuration(aux.GroupCommitInterval)
		if err != nil {
			return fmt.Errorf("group_commit_interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("group_commit_interval must be positive, got %s", interval)
		}
		c.GroupCommitInterval = interval
	}
	if aux.SyncOnCommit != nil {
		c.SyncOnCommit = *aux.SyncOnCommit
	}
	if aux.JournalMaxSize != "" {
		size, err := bytefmt.ToBytes(aux.JournalMaxSize)
		if err != nil {
			return fmt.Errorf("journal_max_size: %w", err)
		}
		c.JournalMaxSize = int64(size)
	}
	if aux.JournalBufferSize != "" {
		size, err := bytefmt.ToBytes(aux.JournalBufferSize)
		if err != nil {
			return fmt.Errorf("journal_buffer_size: %w", err)
		}
		c.JournalBufferSize = int(size)
	}
	if aux.RetainFiles != nil {
		if *aux.RetainFiles < 0 {
			return fmt.Errorf("retain_files must not be negative, got %d", *aux.RetainFiles)
		}
		c.RetainFiles = *aux.RetainFiles
	}
	if aux.DisableJournal != nil {
		c.DisableJournal = *aux.DisableJournal
	}
	if aux.Log != nil {
		if aux.Log.Level != "" {
			c.Log.Level = aux.Log.Level
		}
		if aux.Log.Format != "" {
			c.Log.Format = aux.Log.Format
		}
		if aux.Log.OutputFile != "" {
			c.Log.OutputFile = aux.Log.OutputFile
		}
	}
	return nil
}

// ManagerOptions returns the journal manager options described by c.
func (c *Config) ManagerOptions() journal.ManagerOptions {
	return journal.ManagerOptions{
		Journal: journal.Options{
			BufferSize:   c.JournalBufferSize,
			MaxFileSize:  c.JournalMaxSize,
			SyncOnCommit: c.SyncOnCommit,
			RetainFiles:  c.RetainFiles,
		},
		GroupCommit:         c.GroupCommit,
		GroupCommitInterval: c.GroupCommitInterval,
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("data_dir=%s journal_dir=%s group_commit=%t sync_on_commit=%t journal_max_size=%s journal_buffer_size=%s retain_files=%d disable_journal=%t",
		c.DataDir, c.JournalDir, c.GroupCommit, c.SyncOnCommit,
		bytefmt.ByteSize(uint64(c.JournalMaxSize)), bytefmt.ByteSize(uint64(c.JournalBufferSize)),
		c.RetainFiles, c.DisableJournal)
}
