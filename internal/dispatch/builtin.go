package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit      = 100
	maxCursorOffset    = 1 << 30
)

// builtinQuery implements §4.2's built-in query handler: a single record by
// uri, or a paginated list by target_collection.
func (d *Dispatcher) builtinQuery(ctx context.Context, query url.Values, p lexicon.Parsed) (json.RawMessage, error) {
	if uri := query.Get("uri"); uri != "" {
		rec, err := d.mirror.Get(ctx, uri)
		if err != nil {
			if err == mirror.ErrNotFound {
				return nil, notFound("record not found: %s", uri)
			}
			return nil, fmt.Errorf("query %s: %w", p.ID, err)
		}
		return mergeURI(rec)
	}

	if p.TargetCollection == "" {
		return nil, badRequest("%s has no uri parameter and no configured target_collection", p.ID)
	}

	limit := parseBoundedInt(query.Get("limit"), defaultQueryLimit, 1, maxQueryLimit)
	cursor := parseBoundedInt(query.Get("cursor"), 0, 0, maxCursorOffset)
	did := query.Get("did")

	records, err := d.mirror.List(ctx, mirror.ListOptions{
		Collection: p.TargetCollection,
		DID:        did,
		Limit:      limit,
		Offset:     cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.ID, err)
	}

	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		merged, err := mergeURI(r)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", p.ID, err)
		}
		out = append(out, merged)
	}

	resp := map[string]any{"records": out}
	if len(records) == limit {
		resp["cursor"] = fmt.Sprintf("%d", cursor+limit)
	}
	return json.Marshal(resp)
}

// builtinProcedure implements §4.2's built-in procedure handler: dispatch
// by the lexicon's configured action, forwarding to the PDS and mirroring
// the effect locally.
func (d *Dispatcher) builtinProcedure(ctx context.Context, callerDID string, session pdsclient.Session, input json.RawMessage, p lexicon.Parsed) (json.RawMessage, error) {
	var data map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &data); err != nil {
			return nil, badRequest("invalid input for %s: %v", p.ID, err)
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	action := p.Action
	if action == lexicon.ActionUpsert {
		if uri, ok := data["uri"].(string); ok && uri != "" {
			action = lexicon.ActionUpdate
		} else {
			action = lexicon.ActionCreate
		}
	}

	switch action {
	case lexicon.ActionCreate:
		return d.procedureCreate(ctx, callerDID, session, p, data)
	case lexicon.ActionUpdate:
		return d.procedureUpdate(ctx, callerDID, session, p, data)
	case lexicon.ActionDelete:
		return d.procedureDelete(ctx, callerDID, session, data)
	default:
		return nil, badRequest("%s: unrecognized action", p.ID)
	}
}

func (d *Dispatcher) procedureCreate(ctx context.Context, callerDID string, session pdsclient.Session, p lexicon.Parsed, data map[string]any) (json.RawMessage, error) {
	delete(data, "uri")
	rkey, _ := data["rkey"].(string)
	delete(data, "rkey")
	data["$type"] = p.TargetCollection

	body := map[string]any{"repo": callerDID, "collection": p.TargetCollection, "record": data}
	if rkey != "" {
		body["rkey"] = rkey
	}

	result, err := d.forwardWrite(ctx, session, "com.atproto.repo.createRecord", body)
	if err != nil {
		return nil, err
	}

	rawData, _ := json.Marshal(data)
	if err := d.mirror.Upsert(ctx, mirror.Record{
		URI: result.URI, DID: callerDID, Collection: p.TargetCollection,
		Record: rawData, CID: result.CID,
	}); err != nil {
		d.logger.Printf("mirror upsert failed after create %s: %v", p.ID, err)
	}

	return json.Marshal(result)
}

func (d *Dispatcher) procedureUpdate(ctx context.Context, callerDID string, session pdsclient.Session, p lexicon.Parsed, data map[string]any) (json.RawMessage, error) {
	uri, _ := data["uri"].(string)
	if uri == "" {
		return nil, badRequest("%s: update requires uri", p.ID)
	}
	_, _, rkey, err := mirror.ParseATURI(uri)
	if err != nil {
		return nil, badRequest("%s: %v", p.ID, err)
	}
	delete(data, "uri")
	data["$type"] = p.TargetCollection

	body := map[string]any{
		"repo": callerDID, "collection": p.TargetCollection, "rkey": rkey, "record": data,
	}

	result, err := d.forwardWrite(ctx, session, "com.atproto.repo.putRecord", body)
	if err != nil {
		return nil, err
	}

	rawData, _ := json.Marshal(data)
	if err := d.mirror.Upsert(ctx, mirror.Record{
		URI: result.URI, DID: callerDID, Collection: p.TargetCollection,
		Record: rawData, CID: result.CID,
	}); err != nil {
		d.logger.Printf("mirror upsert failed after update %s: %v", p.ID, err)
	}

	return json.Marshal(result)
}

func (d *Dispatcher) procedureDelete(ctx context.Context, callerDID string, session pdsclient.Session, data map[string]any) (json.RawMessage, error) {
	uri, _ := data["uri"].(string)
	if uri == "" {
		return nil, badRequest("delete requires uri")
	}
	_, collection, rkey, err := mirror.ParseATURI(uri)
	if err != nil {
		return nil, badRequest("%v", err)
	}

	resp, err := d.pds.PostJSON(ctx, session, "com.atproto.repo.deleteRecord", map[string]any{
		"repo": callerDID, "collection": collection, "rkey": rkey,
	})
	if err != nil {
		return nil, fmt.Errorf("forward delete: %w", err)
	}
	if _, err := pdsclient.Read(resp); err != nil {
		return nil, err
	}

	if err := d.mirror.Delete(ctx, uri); err != nil {
		d.logger.Printf("mirror delete failed after delete %s: %v", uri, err)
	}
	return json.Marshal(map[string]any{"success": true})
}

// forwardWrite POSTs body to the PDS, surfaces a non-2xx response as the
// forwarded error, and parses a successful response into its uri/cid.
func (d *Dispatcher) forwardWrite(ctx context.Context, session pdsclient.Session, xrpcMethod string, body map[string]any) (pdsclient.CreateRecordResult, error) {
	resp, err := d.pds.PostJSON(ctx, session, xrpcMethod, body)
	if err != nil {
		return pdsclient.CreateRecordResult{}, fmt.Errorf("forward %s: %w", xrpcMethod, err)
	}
	forwarded, err := pdsclient.Read(resp)
	if err != nil {
		return pdsclient.CreateRecordResult{}, err
	}
	return pdsclient.ParseRecordResult(forwarded.Body)
}

// mergeURI merges a mirrored record's uri onto its serialized JSON object,
// matching the built-in query handler's contract in §4.2.
func mergeURI(r mirror.Record) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(r.Record, &obj); err != nil {
		return nil, fmt.Errorf("merge uri onto record %s: %w", r.URI, err)
	}
	obj["uri"] = r.URI
	return json.Marshal(obj)
}
