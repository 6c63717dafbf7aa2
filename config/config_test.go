package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.Equal(t, logrus.InfoLevel, Default().Level())
}

func TestParse_HumanSizes(t *testing.T) {
	cfg, err := Parse([]byte(`
driver:
  budget: 512MiB
  pageSize: 4096
  pagingBandwidth: 2GB
handler:
  evictionOnMakeResidentAllowed: false
workload:
  workers: 2
  duration: 250ms
logLevel: debug
`))
	require.NoError(t, err)

	want := Default()
	want.Driver = Driver{Budget: 512 << 20, PageSize: 4096, PagingBandwidth: 2_000_000_000}
	want.Handler.EvictionOnMakeResidentAllowed = false
	want.Workload.Workers = 2
	want.Workload.Duration = Duration(250 * time.Millisecond)
	want.LogLevel = "debug"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, logrus.DebugLevel, cfg.Level())
}

func TestParse_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"bad size":       "driver: {budget: lots}",
		"zero budget":    "driver: {budget: 0}",
		"bad duration":   "workload: {duration: soon}",
		"no workers":     "workload: {workers: 0}",
		"size range":     "workload: {minSize: 8MiB, maxSize: 1MiB}",
		"fragmented pct": "workload: {fragmentedPercent: 101}",
		"pressure pct":   "workload: {pressurePercent: -1}",
		"log level":      "logLevel: loud",
		"not yaml":       "driver: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	in := Default()
	in.Driver.PagingBandwidth = 1 << 30

	out, err := in.Marshal()
	require.NoError(t, err)
	require.Contains(t, string(out), "budget: 256 MiB")

	back, err := Parse(out)
	require.NoError(t, err)
	if diff := cmp.Diff(in, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s\n%s", diff, out)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workload: {workers: 7}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Workload.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing.yaml")
}
