// Command meshpair runs an interactive in-process mesh of pairing nodes.
// It exists to exercise the pairing and vouching flows end to end without
// a real network: create devices, pair them with codes, vouch them to each
// other, and watch the trust mesh converge.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/spacedrive/meshpair-go/pkg/config"
	pkglog "github.com/spacedrive/meshpair-go/pkg/log"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "log protocol events to stderr")
		capturePath = flag.String("capture", "", "write protocol events to a CBOR capture file")
		configPath  = flag.String("config", "", "proxy pairing config YAML")
	)
	flag.Parse()

	proxyCfg := config.Default()
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		proxyCfg = cfg
	}

	var loggers []pkglog.Logger
	if *verbose {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, pkglog.NewSlogAdapter(slog.New(handler)))
	}
	if *capturePath != "" {
		fl, err := pkglog.NewFileLogger(*capturePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open capture file: %v\n", err)
			os.Exit(1)
		}
		defer fl.Close()
		loggers = append(loggers, fl)
	}

	shell, err := newShell(proxyCfg, pkglog.NewMultiLogger(loggers...))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer shell.Close()

	if err := shell.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
