// Package logging configures the process logger.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/shellgate/shellgate/internal/config"
)

var logFile *os.File

// Init sets up dual logging to stdout and the configured log file.
// Must be called after config.Load(). With no LogPath configured the
// gateway logs to stdout only.
func Init() {
	path := config.Cfg.LogPath
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// Close releases the log file, if one was opened.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
