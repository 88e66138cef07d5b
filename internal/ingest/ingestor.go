// Package ingest is the streaming ingestion engine (§4.6): a resilient
// websocket consumer that mirrors record and schema mutations locally,
// acks each event, and keeps the upstream collection filter in sync with
// the registry.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lexhost/internal/db/postgres"
	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
)

// reconnectBackoff is the fixed delay between a dropped connection and the
// next dial attempt (§4.6).
const reconnectBackoff = 2 * time.Second

// RecordEvent is the record-mutation payload nested in an event envelope.
type RecordEvent struct {
	DID        string          `json:"did"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Action     string          `json:"action"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

// IdentityEvent is observed and logged only (§4.6).
type IdentityEvent struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
}

// Envelope is a single message off the upstream channel.
type Envelope struct {
	ID       uint64         `json:"id"`
	Type     string         `json:"type"`
	Record   *RecordEvent   `json:"record,omitempty"`
	Identity *IdentityEvent `json:"identity,omitempty"`
}

type ackMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// Ingestor owns the long-lived websocket connection to the upstream
// broker.
type Ingestor struct {
	brokerURL      string
	brokerPassword string
	httpClient     *http.Client

	registry *lexicon.Registry
	filter   *lexicon.FilterChannel
	mirror   *mirror.Store
	lexicons *postgres.LexiconRepo
	logger   *log.Logger
}

// New builds an ingestor bound to the given broker and collaborators.
func New(brokerURL, brokerPassword string, httpClient *http.Client, registry *lexicon.Registry, filter *lexicon.FilterChannel, store *mirror.Store, lexicons *postgres.LexiconRepo, logger *log.Logger) *Ingestor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{
		brokerURL:      strings.TrimRight(brokerURL, "/"),
		brokerPassword: brokerPassword,
		httpClient:     httpClient,
		registry:       registry,
		filter:         filter,
		mirror:         store,
		lexicons:       lexicons,
		logger:         logger,
	}
}

// Run drives the reconnect loop until ctx is cancelled.
func (g *Ingestor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := g.runOnce(ctx); err != nil && ctx.Err() == nil {
			g.logger.Printf("ingest: connection error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (g *Ingestor) wsURL() string {
	url := g.brokerURL
	if after, ok := strings.CutPrefix(url, "https://"); ok {
		url = "wss://" + after
	} else if after, ok := strings.CutPrefix(url, "http://"); ok {
		url = "ws://" + after
	}
	return url + "/channel"
}

func (g *Ingestor) runOnce(ctx context.Context) error {
	header := http.Header{}
	if g.brokerPassword != "" {
		req := &http.Request{Header: header}
		req.SetBasicAuth("lexhost", g.brokerPassword)
		header = req.Header
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.wsURL(), header)
	if err != nil {
		return fmt.Errorf("dial broker channel: %w", err)
	}
	defer conn.Close()

	// Push the current filter immediately on a fresh connection.
	if err := g.pushFilter(ctx, g.registry.RecordCollections()); err != nil {
		g.logger.Printf("ingest: initial filter push failed: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	// A single reader goroutine feeds messages into a channel so the main
	// loop can select between the next message and a filter-change
	// notification (§4.6's "select between next message and a collection
	// list change").
	messages := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			messages <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("read channel message: %w", err)
		case collections := <-g.filter.C():
			if err := g.pushFilter(ctx, collections); err != nil {
				g.logger.Printf("ingest: filter push failed: %v", err)
			}
		case data := <-messages:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				g.logger.Printf("ingest: malformed envelope: %v", err)
				continue
			}

			if err := g.handle(ctx, env); err != nil {
				g.logger.Printf("ingest: handle event %d: %v", env.ID, err)
				continue
			}

			if err := conn.WriteJSON(ackMessage{Type: "ack", ID: env.ID}); err != nil {
				return fmt.Errorf("ack event %d: %w", env.ID, err)
			}
		}
	}
}

func (g *Ingestor) handle(ctx context.Context, env Envelope) error {
	switch env.Type {
	case "identity":
		if env.Identity != nil {
			g.logger.Printf("ingest: identity event did=%s handle=%s", env.Identity.DID, env.Identity.Handle)
		}
		return nil
	case "record":
		if env.Record == nil {
			return errors.New("record event missing record payload")
		}
		return g.handleRecord(ctx, *env.Record)
	default:
		return nil
	}
}

func (g *Ingestor) handleRecord(ctx context.Context, rec RecordEvent) error {
	if rec.Collection == lexicon.SchemaCollection {
		return g.handleSchemaEvent(ctx, rec)
	}

	uri := mirror.BuildATURI(rec.DID, rec.Collection, rec.RKey)
	switch rec.Action {
	case "create", "update":
		if rec.Record == nil {
			return fmt.Errorf("%s event for %s missing record payload", rec.Action, uri)
		}
		return g.mirror.Upsert(ctx, mirror.Record{
			URI:        uri,
			DID:        rec.DID,
			Collection: rec.Collection,
			RKey:       rec.RKey,
			Record:     rec.Record,
			CID:        rec.CID,
		})
	case "delete":
		return g.mirror.Delete(ctx, uri)
	default:
		return fmt.Errorf("unknown record action %q", rec.Action)
	}
}

// handleSchemaEvent implements §4.6's schema cross-reference: a schema
// event only mutates the registry when it belongs to an nsid this host
// already tracks from the same authority.
func (g *Ingestor) handleSchemaEvent(ctx context.Context, rec RecordEvent) error {
	tracked, ok := g.registry.NetworkTrackedByNSID(rec.RKey, rec.DID)

	switch rec.Action {
	case "create", "update":
		if !ok {
			return nil
		}
		if rec.Record == nil {
			return fmt.Errorf("schema %s event missing record payload", rec.RKey)
		}
		parsed, err := g.lexicons.Upsert(ctx, rec.Record, rec.RKey, postgres.UpsertOptions{
			TargetCollection: tracked.TargetCollection,
			Source:           lexicon.SourceNetwork,
			AuthorityDID:     rec.DID,
		})
		if err != nil {
			return fmt.Errorf("upsert network schema %s: %w", rec.RKey, err)
		}
		g.registry.Upsert(parsed)
		lexicon.PublishCurrent(g.registry, g.filter)
		return nil
	case "delete":
		if !ok {
			return nil
		}
		if _, err := g.lexicons.DeleteNetwork(ctx, rec.RKey); err != nil {
			return fmt.Errorf("delete network schema %s: %w", rec.RKey, err)
		}
		g.registry.Remove(rec.RKey)
		lexicon.PublishCurrent(g.registry, g.filter)
		return nil
	default:
		return fmt.Errorf("unknown schema action %q", rec.Action)
	}
}

// pushFilter pushes the wanted collection set via the broker's two
// idempotent PUTs, in order (§4.6).
func (g *Ingestor) pushFilter(ctx context.Context, collections []string) error {
	if err := g.putJSON(ctx, "/collection-filters", map[string]any{"collections": collections}); err != nil {
		return err
	}
	return g.putJSON(ctx, "/signal-collections", map[string]any{"collections": collections})
}

func (g *Ingestor) putJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.brokerURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.brokerPassword != "" {
		req.SetBasicAuth("lexhost", g.brokerPassword)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: broker returned %d", path, resp.StatusCode)
	}
	return nil
}
