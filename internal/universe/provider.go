// Package universe supplies the tradable symbol list from a
// periodically refreshed KRX code snapshot.
package universe

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kisquant/kis-trader/internal/observ"
)

// DefaultURL is the public KRX code list published by the
// FinanceDataReader project.
const DefaultURL = "https://raw.githubusercontent.com/FinanceData/FinanceDataReader/master/FinanceDataReader/data/krx/krx_code.csv"

// DefaultTTL is how long a downloaded snapshot stays fresh.
const DefaultTTL = 24 * time.Hour

// Fallback is a fixed large-cap universe used when no snapshot is
// wanted, e.g. for quick manual runs.
var Fallback = []string{
	"005930", "000660", "035420", "207940", "051910", "005380", "068270", "028260", "055550", "006400",
	"105560", "096770", "034730", "003550", "011170", "017670", "003670", "010130", "018260", "009150",
	"032830", "034020", "000270", "036570", "012330",
}

// Provider downloads and caches the symbol snapshot.
type Provider struct {
	Path string
	URL  string
	TTL  time.Duration

	http *http.Client
	now  func() time.Time
}

// New returns a provider caching at path. Zero URL/TTL get defaults.
func New(path string) *Provider {
	return &Provider{
		Path: path,
		URL:  DefaultURL,
		TTL:  DefaultTTL,
		http: &http.Client{Timeout: 10 * time.Second},
		now:  time.Now,
	}
}

// Load returns at most limit symbol codes in file order, refreshing
// the snapshot first when it is missing or stale. A failed refresh is
// fatal only when there is no file at all; with a stale file present
// the stale data is served instead.
func (p *Provider) Load(ctx context.Context, limit int) ([]string, error) {
	if err := p.ensure(ctx); err != nil {
		return nil, err
	}

	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open universe snapshot: %w", err)
	}
	defer f.Close()

	return readCodes(f, limit)
}

// ensure refreshes the snapshot when missing or older than TTL.
func (p *Provider) ensure(ctx context.Context) error {
	info, statErr := os.Stat(p.Path)
	fresh := statErr == nil && p.now().Sub(info.ModTime()) < p.TTL
	if fresh {
		return nil
	}

	if err := p.refresh(ctx); err != nil {
		if statErr == nil {
			// Stale snapshot beats no snapshot; serve it and move on.
			observ.Log("universe_refresh_failed", map[string]any{"error": err.Error(), "stale_file": p.Path})
			return nil
		}
		return fmt.Errorf("refresh universe snapshot: %w", err)
	}
	return nil
}

func (p *Provider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, p.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0755); err != nil {
		return err
	}
	// Atomic replace so a concurrent reader never sees a partial file.
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		os.Remove(tmp)
		return err
	}

	observ.Log("universe_refreshed", map[string]any{"path": p.Path, "bytes": len(body)})
	return nil
}

// readCodes extracts the Code column, preserving file order.
func readCodes(r io.Reader, limit int) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read universe header: %w", err)
	}
	codeIdx := -1
	for i, col := range header {
		if col == "Code" || col == "code" {
			codeIdx = i
			break
		}
	}
	if codeIdx < 0 {
		return nil, fmt.Errorf("universe snapshot has no Code column")
	}

	var symbols []string
	for limit <= 0 || len(symbols) < limit {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read universe row: %w", err)
		}
		if codeIdx >= len(rec) {
			continue
		}
		if code := strings.TrimSpace(rec[codeIdx]); code != "" {
			symbols = append(symbols, code)
		}
	}
	return symbols, nil
}
