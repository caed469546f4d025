package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/config"
	"github.com/JakeFAU/legiswatch/internal/ledger"
	"github.com/JakeFAU/legiswatch/internal/ledger/xlsx"
	"github.com/JakeFAU/legiswatch/internal/monitor"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		HTTP:     config.HTTPConfig{TimeoutSeconds: 5, MaxAttempts: 1, RatePerSecond: 0},
		Schedule: config.ScheduleConfig{IntervalSeconds: 60, Timezone: "UTC"},
		Storage:  config.StorageConfig{AttachmentDir: filepath.Join(dir, "pdfs")},
		Ledger:   config.LedgerConfig{Backend: backend, Dir: dir},
		Sender:   config.SenderConfig{Interpreter: "sh", Scripts: []string{filepath.Join(dir, "sender.sh")}, Required: []string{}},
		Sources: []config.SourceConfig{
			{Name: "avulsos", URL: "https://example.gov/avulsos", Keywords: []string{"mensagem"}, Recipients: []string{"1"}},
			{Name: "expediente", URL: "https://example.gov/expediente", Recipients: []string{"1"}, Ledger: config.SourceLedgerConfig{Header: []string{"numero"}}},
		},
	}
}

func TestNewBuildsJobsWithXLSXLedgers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.LedgerXLSX)
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	jobs := a.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "avulsos", jobs[0].Source.Name)
	led, ok := jobs[0].Ledger.(*xlsx.Ledger)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.Ledger.Dir, "avulsos.xlsx"), led.Path())

	info, err := os.Stat(cfg.Storage.AttachmentDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NotNil(t, a.Logger())
}

func TestNewMemoryLedgerRunOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.LedgerMemory)
	cfg.Sources = cfg.Sources[:1]
	cfg.Sources[0].URL = "http://127.0.0.1:1/closed"
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Jobs()[0].Ledger.(*ledger.Memory)
	require.True(t, ok)

	// An unreachable listing is a partial cycle, not an error.
	require.NoError(t, a.Run(context.Background(), true))
}

func TestNewRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.LedgerMemory)
	cfg.Schedule.Timezone = "Mars/Olympus_Mons"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestCheckSender(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.LedgerMemory)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	var unavailable *monitor.SenderUnavailable
	require.ErrorAs(t, a.CheckSender(context.Background()), &unavailable)
}
