// Package xlsx stores the dedupe ledger as a single-sheet workbook.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/legiswatch/internal/ledger"
)

const (
	defaultSheet  = "dados"
	defaultLayout = "02/01/2006 15:04"
	excelizeSheet = "Sheet1"
)

// DefaultHeader is the two-column layout (key plus first-seen time).
var DefaultHeader = []string{"key", "timestamp"}

// Config locates and shapes the workbook.
type Config struct {
	Path            string
	Sheet           string
	Header          []string
	TimestampLayout string
}

// Ledger implements monitor.Ledger on top of an .xlsx file.
type Ledger struct {
	cfg  Config
	mu   sync.Mutex
	keys *ledger.Set
}

// New validates cfg and returns a Ledger. The file is created on first use.
func New(cfg Config) (*Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("xlsx ledger path is required")
	}
	if cfg.Sheet == "" {
		cfg.Sheet = defaultSheet
	}
	if len(cfg.Header) == 0 {
		cfg.Header = DefaultHeader
	}
	if cfg.TimestampLayout == "" {
		cfg.TimestampLayout = defaultLayout
	}
	return &Ledger{cfg: cfg, keys: ledger.NewSet()}, nil
}

// Path returns the workbook location.
func (l *Ledger) Path() string {
	return l.cfg.Path
}

// Load reads column A from the second row on into memory.
func (l *Ledger) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFile(); err != nil {
		return err
	}
	f, err := excelize.OpenFile(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.cfg.Path, err)
	}
	defer func() { _ = f.Close() }()

	idx, err := f.GetSheetIndex(l.cfg.Sheet)
	if err != nil {
		return fmt.Errorf("find sheet %q: %w", l.cfg.Sheet, err)
	}
	if idx < 0 {
		l.keys.Replace(nil)
		return nil
	}
	rows, err := f.GetRows(l.cfg.Sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", l.cfg.Sheet, err)
	}
	keys := make([]string, 0, len(rows))
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		keys = append(keys, row[0])
	}
	l.keys.Replace(keys)
	return nil
}

// Contains reports whether key was loaded or recorded.
func (l *Ledger) Contains(key string) bool {
	return l.keys.Contains(key)
}

// Record appends one row and replaces the workbook before returning.
func (l *Ledger) Record(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFile(); err != nil {
		return err
	}
	f, err := excelize.OpenFile(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.cfg.Path, err)
	}
	defer func() { _ = f.Close() }()

	if err := l.ensureSheet(f); err != nil {
		return err
	}
	rows, err := f.GetRows(l.cfg.Sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", l.cfg.Sheet, err)
	}
	next := len(rows) + 1
	if len(rows) == 0 {
		if err := l.writeRow(f, 1, toRow(l.cfg.Header)); err != nil {
			return err
		}
		next = 2
	}

	values := []any{key}
	if len(l.cfg.Header) > 1 {
		values = append(values, at.Format(l.cfg.TimestampLayout))
	}
	if err := l.writeRow(f, next, values); err != nil {
		return err
	}
	if err := save(f, l.cfg.Path); err != nil {
		return err
	}
	l.keys.Add(key)
	return nil
}

func (l *Ledger) ensureFile() error {
	if _, err := os.Stat(l.cfg.Path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat ledger %s: %w", l.cfg.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(l.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if l.cfg.Sheet != excelizeSheet {
		if err := f.SetSheetName(excelizeSheet, l.cfg.Sheet); err != nil {
			return fmt.Errorf("name sheet %q: %w", l.cfg.Sheet, err)
		}
	}
	if err := l.writeRow(f, 1, toRow(l.cfg.Header)); err != nil {
		return err
	}
	return save(f, l.cfg.Path)
}

func (l *Ledger) ensureSheet(f *excelize.File) error {
	idx, err := f.GetSheetIndex(l.cfg.Sheet)
	if err != nil {
		return fmt.Errorf("find sheet %q: %w", l.cfg.Sheet, err)
	}
	if idx >= 0 {
		return nil
	}
	if _, err := f.NewSheet(l.cfg.Sheet); err != nil {
		return fmt.Errorf("create sheet %q: %w", l.cfg.Sheet, err)
	}
	return nil
}

func (l *Ledger) writeRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetSheetRow(l.cfg.Sheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

// save writes the workbook next to dest and renames it into place.
func save(f *excelize.File, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := f.WriteTo(tmp); err != nil {
		cleanup()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func toRow(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
