// Package bigquery wraps the BigQuery client used by the analytics worker to
// stream order events into the warehouse.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

// OrderEventColumns must exist on the order events table before the worker
// starts streaming into it.
var OrderEventColumns = []string{"event_id", "event_type", "occurred_at", "order_id", "payload"}

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery order events table is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// Keyed is implemented by rows carrying a stable id. BigQuery uses it as the
// streaming insert id, so a retried batch does not double count an event.
type Keyed interface {
	InsertKey() string
}

// Client streams rows into the configured dataset.
type Client struct {
	client      *bigquery.Client
	dataset     *bigquery.Dataset
	eventsTable string
}

type Pinger interface {
	Ping(context.Context) error
}

// NewClient creates a BigQuery client and verifies the dataset and the order
// events table schema.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	eventsTable := strings.TrimSpace(cfg.OrderEventsTable)
	if eventsTable == "" {
		return nil, errTableNameRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	client := &Client{
		client:      bqClient,
		dataset:     bqClient.Dataset(datasetID),
		eventsTable: eventsTable,
	}
	if err := client.Ping(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"project_id": projectID,
			"dataset":    datasetID,
			"table":      eventsTable,
		}), "bigquery client initialized")
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(gcp.CredentialsJSON)))
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		opts = append(opts, option.WithCredentialsFile(gcp.ApplicationCredentials))
	}
	return opts
}

// EventsTable is the configured order events table id.
func (c *Client) EventsTable() string {
	if c == nil {
		return ""
	}
	return c.eventsTable
}

// Ping verifies the dataset exists and the order events table has the columns
// the writer fills.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}

	meta, err := c.dataset.Table(c.eventsTable).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("table %q does not exist", c.eventsTable)
		}
		return fmt.Errorf("checking table %q: %w", c.eventsTable, err)
	}
	if missing := missingColumns(meta.Schema, OrderEventColumns); len(missing) > 0 {
		return fmt.Errorf("table %q is missing columns %s", c.eventsTable, strings.Join(missing, ", "))
	}
	return nil
}

// InsertRows streams rows into table. Rows implementing Keyed are sent with
// their key as insert id.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(table).Inserter().Put(ctx, keyedSavers(rows))
}

func keyedSavers(rows []any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		keyed, ok := row.(Keyed)
		if !ok || keyed.InsertKey() == "" {
			out[i] = row
			continue
		}
		out[i] = &bigquery.StructSaver{Struct: row, InsertID: keyed.InsertKey()}
	}
	return out
}

func missingColumns(schema bigquery.Schema, required []string) []string {
	present := make(map[string]struct{}, len(schema))
	for _, field := range schema {
		if field != nil {
			present[strings.ToLower(field.Name)] = struct{}{}
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Close releases the BigQuery client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
