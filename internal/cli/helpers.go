package cli

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/shm-network/shm/internal/daemon"
)

// openDaemon loads the configuration, installs the process logger and wires
// the engine. The caller closes the daemon and the returned log closer.
func openDaemon() (*daemon.Daemon, func(), error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, logCloser, err := daemon.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	d, err := daemon.NewWithConfig(cfg, logger)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return d, func() {
		d.Close()
		logCloser.Close()
	}, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
