package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-ndr/common/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// DefaultIndexPrefix is used when opensearch.index_prefix is empty.
const DefaultIndexPrefix = "ndr-alerts"

// NewOpenSearchClient connects to OpenSearch and verifies the cluster
// answers.
func NewOpenSearchClient(cfg config.OpenSearchConfig) (*opensearch.Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Insecure,
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}
	return client, nil
}

// OpenSearch bulk-indexes alerts into one index per UTC day, named
// <prefix>-YYYY.MM.DD. The alert id is the document id so a retried batch
// does not duplicate documents.
type OpenSearch struct {
	client *opensearch.Client
	prefix string
}

// NewOpenSearch returns a sink writing through client.
func NewOpenSearch(client *opensearch.Client, prefix string) *OpenSearch {
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}
	return &OpenSearch{client: client, prefix: prefix}
}

func (s *OpenSearch) Name() string { return "opensearch" }

// Index returns the daily index for a.
func (s *OpenSearch) Index(a *models.Alert) string {
	return s.prefix + "-" + a.Timestamp.UTC().Format("2006.01.02")
}

func (s *OpenSearch) Send(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     s.client,
		NumWorkers: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	fail := func(err error) {
		mu.Lock()
		errs = multierror.Append(errs, err)
		mu.Unlock()
	}

	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			fail(fmt.Errorf("marshal alert %s: %w", a.ID, err))
			continue
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			Index:      s.Index(a),
			DocumentID: a.ID,
			Body:       bytes.NewReader(data),
			OnFailure: func(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					fail(fmt.Errorf("index %s: %w", item.DocumentID, err))
					return
				}
				fail(fmt.Errorf("index %s: %s: %s", item.DocumentID, res.Error.Type, res.Error.Reason))
			},
		})
		if err != nil {
			fail(fmt.Errorf("failed to add to bulk indexer: %w", err))
		}
	}

	if err := bi.Close(ctx); err != nil {
		fail(fmt.Errorf("bulk indexer close: %w", err))
	}
	return errs.ErrorOrNil()
}

func (s *OpenSearch) Close() error { return nil }
