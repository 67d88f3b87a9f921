// Package store keeps the radar grid's latest snapshot and a bounded log of
// relayed commands in SQLite. Detections themselves are never stored.
package store

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

// DefaultCommandLogLimit bounds how many command_log rows are kept.
const DefaultCommandLogLimit = 1000

// Store wraps the SQLite database.
type Store struct {
	db              *sql.DB
	path            string
	commandLogLimit int
	now             func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if inMemory {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	if !inMemory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &Store{
		db:              db,
		path:            path,
		commandLogLimit: DefaultCommandLogLimit,
		now:             time.Now,
	}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for read-only diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

// SetCommandLogLimit changes how many command_log rows are retained.
func (s *Store) SetCommandLogLimit(n int) {
	if n > 0 {
		s.commandLogLimit = n
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+filepath.Base(s.path), s.db, &tailsql.DBOptions{
		Label: "radarhub grid store",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(s.serveBackup))
}

func (s *Store) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("radarhub-backup-%d.db", s.now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := s.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Logf("backup download interrupted: %v", err)
	}
}
