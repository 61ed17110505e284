package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// OpenSearchConfig holds connection settings for the OpenSearch transport.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	Index         string
}

// OpenSearch indexes replayed events as documents. Document IDs are the
// event keys, so replaying a window twice overwrites instead of duplicating.
type OpenSearch struct {
	client *opensearch.Client
	index  string
}

func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearch{client: client, index: cfg.Index}, nil
}

type replayDocument struct {
	Timestamp    string          `json:"@timestamp"`
	Slot         string          `json:"event_time_slot"`
	PartitionKey string          `json:"partition_key"`
	PrevSequence string          `json:"prev_sequence,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// PutRecord indexes one record and returns the shard sequence number assigned to it.
// OpenSearch has no ordered-append primitive, so prevSeq is only stored on the document.
func (t *OpenSearch) PutRecord(ctx context.Context, rec models.OutRecord, prevSeq string) (string, error) {
	body, err := document(rec, prevSeq)
	if err != nil {
		return "", err
	}

	res, err := t.client.Index(t.index, bytes.NewReader(body),
		t.client.Index.WithContext(ctx),
		t.client.Index.WithDocumentID(rec.Key),
	)
	if err != nil {
		return "", fmt.Errorf("index %s: %w", rec.Key, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("index %s: %s: %s", rec.Key, res.Status(), msg)
	}

	var out struct {
		SeqNo int64 `json:"_seq_no"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode index response: %w", err)
	}
	return strconv.FormatInt(out.SeqNo, 10), nil
}

// PutRecords bulk-indexes recs through a single-worker indexer and maps each
// item's outcome back to its input position.
func (t *OpenSearch) PutRecords(ctx context.Context, recs []models.OutRecord) ([]PutResult, error) {
	results := make([]PutResult, len(recs))

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     t.client,
		Index:      t.index,
		NumWorkers: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for i, rec := range recs {
		body, err := document(rec, "")
		if err != nil {
			results[i].Err = err
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: rec.Key,
			Body:       bytes.NewReader(body),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				results[i].Sequence = strconv.FormatInt(res.SeqNo, 10)
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					results[i].Err = err
				} else {
					results[i].Err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
				}
			},
		})
		if err != nil {
			results[i].Err = fmt.Errorf("failed to add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("bulk indexer close error: %w", err)
	}
	return results, nil
}

func (t *OpenSearch) Close() error {
	return nil
}

func document(rec models.OutRecord, prevSeq string) ([]byte, error) {
	payload := json.RawMessage(rec.Data)
	if !json.Valid(rec.Data) {
		// Payloads kept in their encoded form are indexed as a string.
		quoted, err := json.Marshal(string(rec.Data))
		if err != nil {
			return nil, err
		}
		payload = quoted
	}

	body, err := json.Marshal(replayDocument{
		Timestamp:    models.FormatTimestamp(rec.Stamp),
		Slot:         models.FormatTimestamp(rec.Slot),
		PartitionKey: rec.PartitionKey,
		PrevSequence: prevSeq,
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal document %s: %w", rec.Key, err)
	}
	return body, nil
}
