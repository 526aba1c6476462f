// Package config holds the daemon configuration, stored as a TOML file in
// the summoner folder.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/drand/summoner/admission"
	"github.com/drand/summoner/ceremony"
	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/fs"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/ledger/database"
	"github.com/drand/summoner/observer"
)

const (
	// DefaultFolderName is the folder created in the home directory.
	DefaultFolderName = ".summoner"
	// FileName is the name of the configuration file inside the folder.
	FileName = "summoner.toml"
	// LedgerFileName is the default ledger file inside the folder.
	LedgerFileName = "ledger.db"

	DefaultDegree      = 256
	DefaultHTTPBind    = "127.0.0.1:8080"
	DefaultObserverTTL = 30 * time.Second
)

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Ledger struct {
	Path           string   `toml:"path"`
	Degree         int      `toml:"degree"`
	PoolSize       int      `toml:"pool_size"`
	AcquireTimeout Duration `toml:"acquire_timeout"`
	BusyTimeout    Duration `toml:"busy_timeout"`
	CacheSize      int      `toml:"cache_size"`
}

// Database returns the connection settings of the ledger.
func (l Ledger) Database() database.Config {
	return database.Config{
		Path:           l.Path,
		MaxOpenConns:   l.PoolSize,
		AcquireTimeout: l.AcquireTimeout.Duration,
		BusyTimeout:    l.BusyTimeout.Duration,
	}
}

type Ceremony struct {
	MaxAttempts  int       `toml:"max_attempts"`
	RetryBackoff Duration  `toml:"retry_backoff"`
	MaxSlots     uint64    `toml:"max_slots"`
	Deadline     time.Time `toml:"deadline,omitempty"`
}

type Admission struct {
	// MinBid is in microAlgos.
	MinBid   uint64 `toml:"min_bid"`
	Receiver string `toml:"receiver"`
}

type Observer struct {
	IndexerURL   string   `toml:"indexer_url"`
	IndexerToken string   `toml:"indexer_token"`
	CacheSize    int      `toml:"cache_size"`
	CacheTTL     Duration `toml:"cache_ttl"`
}

type Metrics struct {
	Bind  string `toml:"bind"`
	Pprof bool   `toml:"pprof"`
}

type HTTP struct {
	Bind      string `toml:"bind"`
	AccessLog string `toml:"access_log"`
}

type Transcript struct {
	Dir      string `toml:"dir"`
	S3Bucket string `toml:"s3_bucket"`
	S3Region string `toml:"s3_region"`
	S3Prefix string `toml:"s3_prefix"`
}

type Log struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Config is the whole daemon configuration.
type Config struct {
	Folder     string     `toml:"-"`
	Log        Log        `toml:"log"`
	Ledger     Ledger     `toml:"ledger"`
	Ceremony   Ceremony   `toml:"ceremony"`
	Admission  Admission  `toml:"admission"`
	Observer   Observer   `toml:"observer"`
	Metrics    Metrics    `toml:"metrics"`
	HTTP       HTTP       `toml:"http"`
	Transcript Transcript `toml:"transcript"`
}

// DefaultFolder returns ~/.summoner.
func DefaultFolder() string {
	return filepath.Join(fs.HomeFolder(), DefaultFolderName)
}

// Default returns the configuration used when no file overrides it.
func Default(folder string) *Config {
	if folder == "" {
		folder = DefaultFolder()
	}
	return &Config{
		Folder: folder,
		Log: Log{
			Level: "info",
		},
		Ledger: Ledger{
			Path:           filepath.Join(folder, LedgerFileName),
			Degree:         DefaultDegree,
			PoolSize:       database.DefaultMaxOpenConns,
			AcquireTimeout: Duration{database.DefaultAcquireTimeout},
			BusyTimeout:    Duration{database.DefaultBusyTimeout},
			CacheSize:      ledger.DefaultCacheSize,
		},
		Ceremony: Ceremony{
			MaxAttempts:  ceremony.DefaultMaxAttempts,
			RetryBackoff: Duration{ceremony.DefaultRetryBackoff},
		},
		Admission: Admission{
			MinBid: uint64(admission.MinBidAmount),
		},
		Observer: Observer{
			CacheSize: observer.DefaultCacheSize,
			CacheTTL:  Duration{DefaultObserverTTL},
		},
		HTTP: HTTP{
			Bind: DefaultHTTPBind,
		},
	}
}

// Load reads the configuration file of folder on top of the defaults. A
// missing file yields the defaults.
func Load(folder string) (*Config, error) {
	c := Default(folder)
	file := filepath.Join(c.Folder, FileName)
	exists, err := fs.Exists(file)
	if err != nil {
		return nil, err
	}
	if !exists {
		return c, nil
	}

	md, err := toml.DecodeFile(file, c)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", file, strings.Join(keys, ", "))
	}
	return c, nil
}

// Save writes the configuration to its folder, creating it if needed.
func (c *Config) Save() error {
	if _, err := fs.CreateSecureFolder(c.Folder); err != nil {
		return err
	}
	file := filepath.Join(c.Folder, FileName)
	fd, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(c)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Ledger.Path == "" {
		add("ledger.path is empty")
	} else if _, err := c.Ledger.Database().DSN(); err != nil {
		result = multierror.Append(result, fmt.Errorf("ledger.path: %w", err))
	}
	if c.Ledger.Degree < 1 || c.Ledger.Degree > crs.MaxDegree {
		add("ledger.degree must be within [1, %d]", crs.MaxDegree)
	}
	if c.Ledger.PoolSize < 0 {
		add("ledger.pool_size must not be negative")
	}
	if c.Ledger.CacheSize < 1 {
		add("ledger.cache_size must be at least 1")
	}
	if c.Ceremony.MaxAttempts < 1 {
		add("ceremony.max_attempts must be at least 1")
	}
	if c.Admission.MinBid == 0 {
		add("admission.min_bid must be at least 1")
	}
	if c.Admission.Receiver != "" {
		if _, err := common.ParseAddress(c.Admission.Receiver); err != nil {
			result = multierror.Append(result, fmt.Errorf("admission.receiver: %w", err))
		}
	}
	if (c.Observer.IndexerURL == "") != (c.Admission.Receiver == "") {
		add("observer.indexer_url and admission.receiver must be set together")
	}
	if c.Observer.CacheTTL.Duration < 0 {
		add("observer.cache_ttl must not be negative")
	}
	if c.Transcript.S3Bucket != "" && c.Transcript.Dir != "" {
		add("transcript.dir and transcript.s3_bucket are exclusive")
	}
	return result.ErrorOrNil()
}

// ErrNoReceiver is returned when the chain observer is needed but not configured.
var ErrNoReceiver = errors.New("admission.receiver is not configured")

// Receiver returns the parsed ceremony receiving address.
func (c *Config) Receiver() (common.Address, error) {
	if c.Admission.Receiver == "" {
		return common.Address{}, ErrNoReceiver
	}
	return common.ParseAddress(c.Admission.Receiver)
}
