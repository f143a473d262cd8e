package config

import (
	"flag"
	"os"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the remote authority (default from Config)
//	-d string   path/DSN of the local sqlite database
//	-i int      scheduler sync interval in seconds
//	-p int      connectivity probe interval in seconds
//	-t int      sync cycle timeout in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-i", "-p", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointURL, "a", cfg.ServerEndpointURL, "base URL of the remote authority")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "path of the local sqlite database")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")
	probeInterval := fs.Int("p", int(cfg.OnlineCheckInterval.Seconds()), "connectivity probe interval (in seconds)")
	cycleTimeout := fs.Int("t", int(cfg.CycleTimeout.Seconds()), "sync cycle timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
	cfg.OnlineCheckInterval = time.Duration(*probeInterval) * time.Second
	cfg.CycleTimeout = time.Duration(*cycleTimeout) * time.Second
}
