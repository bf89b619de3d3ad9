// ABOUTME: CalicoDB command-line tool
// ABOUTME: get/set/del/scan/vacuum/stats against a database file

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nainya/calicodb/internal/logger"
	"github.com/nainya/calicodb/pkg/db"
	"github.com/nainya/calicodb/pkg/status"
)

// config mirrors the database options in a YAML file
type config struct {
	PageSize       int    `yaml:"page_size"`
	CacheSize      int    `yaml:"cache_size"`
	WalSegmentSize int64  `yaml:"wal_segment_size"`
	SyncMode       string `yaml:"sync_mode"`
	LogLevel       string `yaml:"log_level"`
}

var (
	dbPath     = flag.String("db", "calico.db", "Database file path")
	configPath = flag.String("config", "", "Optional YAML config file")
	verbose    = flag.Bool("v", false, "Verbose logging to stderr")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: calicodb [flags] <command> [args]

Commands:
  get <key>            Print the value stored under key
  set <key> <value>    Store value under key and commit
  del <key>            Remove key and commit
  scan                 Print every record in key order
  vacuum               Compact the data file
  stats                Print database statistics
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	opts := db.Options{}
	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		opts = cfg.toOptions()
		if *verbose || cfg.LogLevel != "" {
			level := cfg.LogLevel
			if level == "" {
				level = "info"
			}
			opts.Log = logger.NewLogger(logger.Config{Level: level, Pretty: true, Output: os.Stderr})
		}
	} else if *verbose {
		opts.Log = logger.NewLogger(logger.Config{Level: "debug", Pretty: true, Output: os.Stderr})
	}

	handle, err := db.Open(*dbPath, opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer handle.Close()

	if err := run(handle, args); err != nil {
		if status.IsNotFound(err) {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		log.Fatalf("%s: %v", args[0], err)
	}
}

func run(handle *db.DB, args []string) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("get needs exactly one key")
		}
		value, err := handle.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", value)
		return nil

	case "set":
		if len(args) != 3 {
			return fmt.Errorf("set needs a key and a value")
		}
		if err := handle.Put([]byte(args[1]), []byte(args[2])); err != nil {
			return err
		}
		return handle.Commit()

	case "del":
		if len(args) != 2 {
			return fmt.Errorf("del needs exactly one key")
		}
		if err := handle.Erase([]byte(args[1])); err != nil {
			return err
		}
		return handle.Commit()

	case "scan":
		cursor := handle.Cursor()
		err := cursor.SeekFirst()
		for err == nil {
			fmt.Printf("%s\t%s\n", cursor.Key(), cursor.Value())
			err = cursor.Next()
		}
		if status.IsNotFound(err) {
			return nil
		}
		return err

	case "vacuum":
		if err := handle.Vacuum(); err != nil {
			return err
		}
		return handle.Commit()

	case "stats":
		stats := handle.Stats()
		fmt.Printf("pages:          %d\n", stats.PageCount)
		fmt.Printf("records:        %d\n", stats.RecordCount)
		fmt.Printf("commit lsn:     %d\n", stats.CommitLsn)
		fmt.Printf("cache hit rate: %.2f%%\n", stats.CacheHitRate*100)
		fmt.Printf("page reads:     %d\n", stats.Pager.PageReads)
		fmt.Printf("page writes:    %d\n", stats.Pager.PageWrites)
		fmt.Printf("wal records:    %d\n", stats.Wal.RecordsWritten)
		fmt.Printf("wal bytes:      %d\n", stats.Wal.BytesWritten)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c config) toOptions() db.Options {
	opts := db.Options{
		PageSize:       c.PageSize,
		CacheSize:      c.CacheSize,
		WalSegmentSize: c.WalSegmentSize,
	}
	switch c.SyncMode {
	case "", "normal":
		opts.SyncMode = db.SyncNormal
	case "full":
		opts.SyncMode = db.SyncFull
	case "none":
		opts.SyncMode = db.SyncNone
	}
	return opts
}
