package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lexhost/internal/db/postgres"
	"lexhost/internal/lexicon"
)

// repoPageSize is the directory pagination cap and the broker batch size
// named in §4.6's backfill orchestration.
const repoPageSize = 1000

// Backfiller resolves target collections to repository DIDs via the
// directory and hands them to the upstream broker in batches.
type Backfiller struct {
	brokerURL      string
	brokerPassword string
	directoryURL   string
	httpClient     *http.Client

	registry *lexicon.Registry
	jobs     *postgres.BackfillRepo
}

// NewBackfiller builds a backfiller bound to its collaborators.
func NewBackfiller(brokerURL, brokerPassword, directoryURL string, httpClient *http.Client, registry *lexicon.Registry, jobs *postgres.BackfillRepo) *Backfiller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Backfiller{
		brokerURL:      strings.TrimRight(brokerURL, "/"),
		brokerPassword: brokerPassword,
		directoryURL:   strings.TrimRight(directoryURL, "/"),
		httpClient:     httpClient,
		registry:       registry,
		jobs:           jobs,
	}
}

// Run executes a single backfill job end to end, updating the job row at
// each transition (§4.6). Intended to be launched in its own goroutine by
// the admin handler that creates the job.
func (b *Backfiller) Run(ctx context.Context, jobID string, explicitCollection string) {
	collections := b.targetCollections(explicitCollection)

	dids, err := b.collectRepos(ctx, collections)
	if err != nil {
		_ = b.jobs.MarkFailed(ctx, jobID, err.Error())
		return
	}

	if err := b.jobs.MarkRunning(ctx, jobID, len(dids)); err != nil {
		return
	}

	processed := 0
	for start := 0; start < len(dids); start += repoPageSize {
		end := start + repoPageSize
		if end > len(dids) {
			end = len(dids)
		}
		batch := dids[start:end]
		if err := b.pushRepos(ctx, batch); err != nil {
			_ = b.jobs.MarkFailed(ctx, jobID, err.Error())
			return
		}
		processed += len(batch)
		if err := b.jobs.UpdateProgress(ctx, jobID, processed); err != nil {
			_ = b.jobs.MarkFailed(ctx, jobID, err.Error())
			return
		}
	}

	_ = b.jobs.MarkCompleted(ctx, jobID, len(dids))
}

// targetCollections resolves the explicit collection, or -- when empty --
// every registry record lexicon with its backfill flag set (§4.6).
func (b *Backfiller) targetCollections(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}

	var out []string
	for _, p := range b.registry.All() {
		if p.Type == lexicon.TypeRecord && p.Backfill {
			out = append(out, p.ID)
		}
	}
	return out
}

// collectRepos asks the directory for every repository carrying each
// collection, paginating and deduplicating across all of them.
func (b *Backfiller) collectRepos(ctx context.Context, collections []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, collection := range collections {
		cursor := ""
		for {
			page, next, err := b.listReposPage(ctx, collection, cursor)
			if err != nil {
				return nil, fmt.Errorf("list repos for %s: %w", collection, err)
			}
			for _, did := range page {
				if _, ok := seen[did]; !ok {
					seen[did] = struct{}{}
					out = append(out, did)
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return out, nil
}

func (b *Backfiller) listReposPage(ctx context.Context, collection, cursor string) ([]string, string, error) {
	q := url.Values{}
	q.Set("collection", collection)
	q.Set("limit", fmt.Sprintf("%d", repoPageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	reqURL := b.directoryURL + "/xrpc/com.atproto.sync.listReposByCollection?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("directory returned %d", resp.StatusCode)
	}

	var body struct {
		Repos  []struct{ DID string `json:"did"` } `json:"repos"`
		Cursor string                              `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("decode listReposByCollection response: %w", err)
	}

	dids := make([]string, len(body.Repos))
	for i, r := range body.Repos {
		dids[i] = r.DID
	}
	return dids, body.Cursor, nil
}

// pushRepos pushes one batch of DIDs to the broker's POST /repos/add.
func (b *Backfiller) pushRepos(ctx context.Context, dids []string) error {
	payload, err := json.Marshal(map[string]any{"dids": dids})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.brokerURL+"/repos/add", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.brokerPassword != "" {
		req.SetBasicAuth("lexhost", b.brokerPassword)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST /repos/add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST /repos/add: broker returned %d", resp.StatusCode)
	}
	return nil
}
