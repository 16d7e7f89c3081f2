package migrate

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embedded embed.FS

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one versioned schema change. ID is the file name without the
// .sql suffix and orders the sequence lexically (zero-padded numeric prefix).
type Migration struct {
	ID   string
	Up   string
	Down string
}

// Checksum is the hex SHA-256 of the migration's Up script. It is recorded on
// apply and verified on every later run.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

// EmbeddedSource loads the migrations compiled into the binary.
func EmbeddedSource() ([]Migration, error) {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	return LoadSource(sub)
}

// LoadSource reads all .sql migrations from fsys, sorted by ID.
func LoadSource(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		m, err := parseMigration(strings.TrimSuffix(name, ".sql"), string(data))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}

func parseMigration(id, text string) (Migration, error) {
	upIdx := strings.Index(text, upMarker)
	downIdx := strings.Index(text, downMarker)
	if upIdx < 0 {
		return Migration{}, fmt.Errorf("migration %s: missing %q marker", id, upMarker)
	}
	if downIdx < 0 || downIdx < upIdx {
		return Migration{}, fmt.Errorf("migration %s: missing or misplaced %q marker", id, downMarker)
	}

	up := strings.TrimSpace(text[upIdx+len(upMarker) : downIdx])
	down := strings.TrimSpace(text[downIdx+len(downMarker):])
	if up == "" {
		return Migration{}, fmt.Errorf("migration %s: empty Up section", id)
	}
	return Migration{ID: id, Up: up, Down: down}, nil
}

// WriteArtifact creates a new migration file in dir, numbered after the
// highest existing artifact. Returns the path of the created file.
func WriteArtifact(dir, description string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create migrations dir: %w", err)
	}

	next := 1
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		if n, err := strconv.Atoi(prefix); err == nil && n >= next {
			next = n + 1
		}
	}

	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(description), " ", "_"))
	name := fmt.Sprintf("%04d_%s.sql", next, slug)
	path := filepath.Join(dir, name)

	content := fmt.Sprintf("-- Created %s\n%s\n\n%s\n",
		time.Now().UTC().Format(time.RFC3339), upMarker, downMarker)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write migration artifact: %w", err)
	}
	return path, nil
}
