package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

func TestCreateSQLMigrationProducesValidFile(t *testing.T) {
	dir := t.TempDir()

	path, err := CreateSQLMigration(dir, "Add Outbox Attempts!", CreateOptions{Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, "20260302100000_add_outbox_attempts.sql", filepath.Base(path))
	require.NoError(t, ValidateDir(dir))

	_, err = CreateSQLMigration(dir, "add outbox attempts", CreateOptions{Now: fixedNow})
	require.ErrorContains(t, err, "already exists")
}

func TestCreateSQLMigrationNoTransaction(t *testing.T) {
	dir := t.TempDir()

	path, err := CreateSQLMigration(dir, "index outbox pending", CreateOptions{NoTransaction: true, Now: fixedNow})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), noTransactionDirective))
	require.NoError(t, ValidateDir(dir))
}

func TestCreateSQLMigrationRejectsEmptyName(t *testing.T) {
	_, err := CreateSQLMigration(t.TempDir(), " !! ", CreateOptions{})
	require.Error(t, err)
}

func TestValidateDirRejectsBadAnnotations(t *testing.T) {
	cases := map[string]string{
		"missing down":    upDirective + "\nSELECT 1;\n",
		"down before up":  downDirective + "\nSELECT 1;\n" + upDirective + "\nSELECT 1;\n",
		"unterminated":    upDirective + "\n" + beginDirective + "\nSELECT 1;\n" + downDirective + "\n",
		"stray end":       upDirective + "\n" + endDirective + "\n" + downDirective + "\n",
		"two up sections": upDirective + "\n" + upDirective + "\n" + downDirective + "\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "20260302100000_broken.sql"), []byte(body), 0o644))
			require.Error(t, ValidateDir(dir))
		})
	}
}

func TestValidateDirRejectsDuplicateVersions(t *testing.T) {
	dir := t.TempDir()
	body := []byte(upDirective + "\nSELECT 1;\n" + downDirective + "\nSELECT 1;\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260302100000_a.sql"), body, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260302100000_b.sql"), body, 0o644))
	require.ErrorContains(t, ValidateDir(dir), "duplicate migration version")
}
