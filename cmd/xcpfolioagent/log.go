// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/decred/slog"
	"github.com/xcpfolio/fulfillment-agent/dex"
)

// log is package main's own logger, disabled until parseAndSetDebugLevels
// runs. subsystemLoggers maps every other package's subsystem name to its
// logger, handed out in New* constructors below.
//
// Unlike server/cmd/dcrdex, this process writes only to stdout: it is meant
// to run as one container/supervisor-managed process per XCPFOLIO deployment,
// and the orchestrator (systemd, Docker, Kubernetes) already captures and
// rotates stdout, so no on-disk rotator is wired in here.
var (
	log = dex.Disabled

	subsystemLoggers = map[string]dex.Logger{
		"MAIN":   dex.Disabled,
		"FULFIL": dex.Disabled,
		"MAINT":  dex.Disabled,
		"CHAIN":  dex.Disabled,
		"LEDGER": dex.Disabled,
		"SIGNER": dex.Disabled,
		"STORE":  dex.Disabled,
		"NOTIFY": dex.Disabled,
		"STATUS": dex.Disabled,
		"SCHED":  dex.Disabled,
	}
)

// parseAndSetDebugLevels parses a dcrdex-style debug-level string (a bare
// default level, or a comma-separated list of subsys=level pairs with an
// optional bare default among them) and builds the LoggerMaker every
// subsystem logger is then pulled from.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	defaultLevel := slog.LevelInfo
	levels := make(map[string]slog.Level)

	for _, piece := range strings.Split(debugLevel, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		kv := strings.SplitN(piece, "=", 2)
		if len(kv) == 1 {
			lvl, err := dex.ParseLevel(kv[0])
			if err != nil {
				return nil, fmt.Errorf("invalid default log level %q: %w", kv[0], err)
			}
			defaultLevel = lvl
			continue
		}
		subsysID, levelStr := strings.ToUpper(strings.TrimSpace(kv[0])), strings.TrimSpace(kv[1])
		if _, ok := subsystemLoggers[subsysID]; !ok {
			return nil, fmt.Errorf("unknown logging subsystem %q, supported: %s", subsysID, supportedSubsystems())
		}
		lvl, err := dex.ParseLevel(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q for subsystem %s: %w", levelStr, subsysID, err)
		}
		levels[subsysID] = lvl
	}

	lm := dex.NewLoggerMaker(os.Stdout, defaultLevel, levels)
	setLogLevels(lm)
	return lm, nil
}

// setLogLevels creates every subsystem logger from lm and assigns package
// main's own log.
func setLogLevels(lm *dex.LoggerMaker) {
	for subsysID := range subsystemLoggers {
		lvl, ok := lm.Levels[subsysID]
		if !ok {
			lvl = lm.DefaultLevel
		}
		subsystemLoggers[subsysID] = lm.NewLogger(subsysID, lvl)
	}
	log = subsystemLoggers["MAIN"]
}

func supportedSubsystems() string {
	names := make([]string, 0, len(subsystemLoggers))
	for name := range subsystemLoggers {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
