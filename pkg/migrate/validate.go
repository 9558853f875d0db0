package migrate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	upDirective            = "-- +goose Up"
	downDirective          = "-- +goose Down"
	beginDirective         = "-- +goose StatementBegin"
	endDirective           = "-- +goose StatementEnd"
	noTransactionDirective = "-- +goose NO TRANSACTION"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// ValidateDir checks every .sql file in dir for a well-formed name, a unique
// version and goose annotations in an order goose accepts. An empty dir is valid.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	seen := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read file %q: %w", name, err)
		}
		if err := checkAnnotations(data); err != nil {
			return fmt.Errorf("migration %q: %w", name, err)
		}
	}
	return nil
}

// checkAnnotations requires exactly one Up section followed by one Down
// section, with StatementBegin/End pairs that never nest or straddle them.
func checkAnnotations(data []byte) error {
	var ups, downs int
	open := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		switch strings.TrimSpace(scanner.Text()) {
		case upDirective:
			if downs > 0 {
				return fmt.Errorf("line %d: Up section after Down", line)
			}
			ups++
		case downDirective:
			downs++
		case beginDirective:
			if open {
				return fmt.Errorf("line %d: nested StatementBegin", line)
			}
			if ups == 0 {
				return fmt.Errorf("line %d: StatementBegin outside a section", line)
			}
			open = true
			continue
		case endDirective:
			if !open {
				return fmt.Errorf("line %d: StatementEnd without StatementBegin", line)
			}
			open = false
			continue
		default:
			continue
		}
		if open {
			return fmt.Errorf("line %d: section marker inside a statement block", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	switch {
	case ups != 1:
		return fmt.Errorf("expected one %q, found %d", upDirective, ups)
	case downs != 1:
		return fmt.Errorf("expected one %q, found %d", downDirective, downs)
	case open:
		return fmt.Errorf("unterminated StatementBegin")
	}
	return nil
}
