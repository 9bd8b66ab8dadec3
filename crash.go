package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"murmur/log"
)

// initCrashLog sends fatal runtime output to crash_log.txt in the log
// directory, appending one header per session.
func initCrashLog() {
	if err := log.EnsureDir(); err != nil {
		return
	}
	path := filepath.Join(log.Dir(), "crash_log.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		log.Warnf("crash log: %v", err)
	}
	f.Close()
}
