package migrate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const versionLayout = "20060102150405"

var (
	sqlFileRe      = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
	nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)
)

const (
	annotUp    = "-- +goose Up"
	annotDown  = "-- +goose Down"
	annotBegin = "-- +goose StatementBegin"
	annotEnd   = "-- +goose StatementEnd"
)

// ValidateDir checks every migration in dir: file naming, unique versions,
// an Up section followed by a Down section, and balanced statement blocks.
// All problems are reported together.
func ValidateDir(dir string) error {
	files, err := listMigrations(dir)
	if err != nil {
		return err
	}
	var errs error
	seen := map[int64]string{}
	for _, f := range files {
		if f.version == 0 {
			errs = multierr.Append(errs, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", f.name))
			continue
		}
		if prev, ok := seen[f.version]; ok {
			errs = multierr.Append(errs, fmt.Errorf("duplicate migration version %d in %q and %q", f.version, prev, f.name))
			continue
		}
		seen[f.version] = f.name

		body, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read %q: %w", f.name, err))
			continue
		}
		if err := checkAnnotations(body); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("migration %q: %w", f.name, err))
		}
	}
	return errs
}

// LatestVersion returns the highest migration version in dir, or 0 when empty.
func LatestVersion(dir string) (int64, error) {
	files, err := listMigrations(dir)
	if err != nil {
		return 0, err
	}
	var latest int64
	for _, f := range files {
		if f.version > latest {
			latest = f.version
		}
	}
	return latest, nil
}

// CreateSQLMigration writes an empty goose migration named
// <dir>/<YYYYMMDDHHMMSS>_<name>.sql. The version never sorts before an
// existing file even when the local clock lags.
func CreateSQLMigration(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := sanitizeName(name)
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	latest, err := LatestVersion(dir)
	if err != nil {
		return "", err
	}
	version, _ := strconv.ParseInt(time.Now().UTC().Format(versionLayout), 10, 64)
	if version <= latest {
		version = nextVersion(latest)
	}

	full := filepath.Join(dir, fmt.Sprintf("%d_%s.sql", version, safe))
	if _, err := os.Stat(full); err == nil {
		return "", fmt.Errorf("migration already exists: %s", full)
	}

	body := fmt.Sprintf("%s\n%s\n-- %s\n%s\n\n%s\n%s\n-- rollback %s\n%s\n",
		annotUp, annotBegin, safe, annotEnd,
		annotDown, annotBegin, safe, annotEnd)
	if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", full, err)
	}
	return full, nil
}

type migrationFile struct {
	name    string
	version int64
}

func listMigrations(dir string) ([]migrationFile, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		f := migrationFile{name: e.Name()}
		if m := sqlFileRe.FindStringSubmatch(f.name); m != nil {
			f.version, _ = strconv.ParseInt(m[1], 10, 64)
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func checkAnnotations(body []byte) error {
	var (
		upLine, downLine int
		open             bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(text, annotUp):
			upLine = line
		case strings.HasPrefix(text, annotDown):
			if open {
				return fmt.Errorf("line %d: section starts inside an open statement block", line)
			}
			downLine = line
		case strings.HasPrefix(text, annotBegin):
			if open {
				return fmt.Errorf("line %d: nested StatementBegin", line)
			}
			open = true
		case strings.HasPrefix(text, annotEnd):
			if !open {
				return fmt.Errorf("line %d: StatementEnd without StatementBegin", line)
			}
			open = false
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	switch {
	case upLine == 0:
		return fmt.Errorf("missing %q", annotUp)
	case downLine == 0:
		return fmt.Errorf("missing %q", annotDown)
	case downLine < upLine:
		return fmt.Errorf("%q must precede %q", annotUp, annotDown)
	case open:
		return fmt.Errorf("unterminated StatementBegin")
	}
	return nil
}

func sanitizeName(name string) string {
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	return strings.Trim(safe, "_")
}

// nextVersion advances a timestamp version by one second.
func nextVersion(v int64) int64 {
	t, err := time.Parse(versionLayout, strconv.FormatInt(v, 10))
	if err != nil {
		return v + 1
	}
	next, _ := strconv.ParseInt(t.Add(time.Second).Format(versionLayout), 10, 64)
	return next
}
