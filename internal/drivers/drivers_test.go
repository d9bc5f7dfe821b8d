package drivers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/hardware"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	fail    map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string) (string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, locator)
	f.mu.Unlock()
	if err, ok := f.fail[locator]; ok {
		return "", err
	}
	return "/staged/" + filepath.Base(locator), nil
}

func intelLaptop() *hardware.Profile {
	return &hardware.Profile{
		GPU:      &hardware.GPU{Vendor: "intel", Model: "UHD 620"},
		Wireless: &hardware.NIC{Vendor: "intel", Model: "Wireless 8265"},
	}
}

func TestResolveMatchesRepos(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := NewResolver(fetcher)

	set, err := r.Resolve(context.Background(), intelLaptop(), config.Default())
	require.NoError(t, err)

	require.Len(t, set, 3)
	assert.False(t, set["gpu"].Absent())
	assert.Equal(t, "https://firmware.intel.com/gpu", set["gpu"].Repository)
	assert.False(t, set["wifi"].Absent())
	assert.Equal(t, "https://firmware.intel.com/iwlwifi", set["wifi"].Repository)
	assert.False(t, set["firmware"].Absent())

	assert.Equal(t, []string{"firmware", "gpu", "wifi"}, set.Categories())
	assert.Len(t, set.StagedPaths(), 3)
}

func TestResolveHardwareNotPresent(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := NewResolver(fetcher)

	// No GPU and no wireless NIC: only the generic firmware category
	// has anything to stage.
	set, err := r.Resolve(context.Background(), &hardware.Profile{}, config.Default())
	require.NoError(t, err)

	assert.True(t, set["gpu"].Absent())
	assert.Equal(t, "hardware not present", set["gpu"].Reason)
	assert.True(t, set["wifi"].Absent())
	assert.False(t, set["firmware"].Absent())
	assert.Len(t, fetcher.fetched, 1)
}

func TestResolveNoRepositoryMatch(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := NewResolver(fetcher)
	cfg := config.Default()
	cfg.DriverRepos["wifi"] = []config.DriverRepo{
		{Match: "broadcom*", Locator: "https://example.com/broadcom-sta"},
	}

	set, err := r.Resolve(context.Background(), intelLaptop(), cfg)
	require.NoError(t, err)

	assert.True(t, set["wifi"].Absent())
	assert.Equal(t, "no repository match", set["wifi"].Reason)
}

func TestResolveFetchFailureDegrades(t *testing.T) {
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://firmware.intel.com/gpu": errors.New("connection refused"),
	}}
	r := NewResolver(fetcher)

	set, err := r.Resolve(context.Background(), intelLaptop(), config.Default())
	require.NoError(t, err)

	gpu := set["gpu"]
	assert.True(t, gpu.Absent())
	assert.True(t, gpu.FetchFailed)
	assert.Equal(t, "https://firmware.intel.com/gpu", gpu.Repository)
	assert.Contains(t, gpu.Reason, "fetch failed")
	assert.False(t, set["wifi"].FetchFailed)
	// The other categories are unaffected.
	assert.False(t, set["wifi"].Absent())
	assert.False(t, set["firmware"].Absent())
}

func TestResolveFirstMatchWins(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := NewResolver(fetcher)
	cfg := config.Default()
	cfg.DriverRepos["gpu"] = []config.DriverRepo{
		{Match: "nvidia*", Locator: "https://example.com/nvidia"},
		{Match: "intel*", Locator: "https://example.com/intel-first"},
		{Match: "*", Locator: "https://example.com/mesa"},
	}

	set, err := r.Resolve(context.Background(), intelLaptop(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/intel-first", set["gpu"].Repository)
}

func TestHTTPFetcherDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "firmware blob")
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewHTTPFetcher(dir, 5*time.Second)

	path, err := f.Fetch(context.Background(), srv.URL+"/iwlwifi.bin")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "firmware blob", string(data))

	// Re-staging the same locator reuses the same file name.
	again, err := f.Fetch(context.Background(), srv.URL+"/iwlwifi.bin")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(t.TempDir(), 5*time.Second)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.bin")
	assert.Error(t, err)
}

func TestHTTPFetcherFileScheme(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "local.pkg")
	require.NoError(t, os.WriteFile(src, []byte("offline package"), 0644))

	f := NewHTTPFetcher(t.TempDir(), time.Second)
	path, err := f.Fetch(context.Background(), "file://"+src)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "offline package", string(data))
}
