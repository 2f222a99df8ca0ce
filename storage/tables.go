package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

const (
	// A string property holds at most 64KiB of UTF-16.
	tableChunkChars  = 32000
	tableMaxChunks   = 15
	defaultPartition = "prism-sync"
)

var ErrValueTooLarge = errors.New("value too large for table entity")

var rowKeyEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", "#", "%23", "?", "%3F")

// Tables stores each key as one entity in an Azure Storage table. Values
// are base64 encoded and split across Data00..DataNN properties.
type Tables struct {
	client    *aztables.Client
	partition string
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables connects to table in the account behind connStr and creates
// the table when it does not exist yet.
func NewTables(ctx context.Context, connStr, table, partition string) (*Tables, error) {
	if connStr == "" || table == "" {
		return nil, errors.New("tables bridge needs a connection string and a table name")
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	if partition == "" {
		partition = defaultPartition
	}
	client := svc.NewClient(table)
	if err := ensureTable(ctx, client); err != nil {
		return nil, fmt.Errorf("ensure table %s: %w", table, err)
	}
	return &Tables{client: client, partition: partition}, nil
}

// EnsureTables creates every named table, ignoring ones that exist.
func EnsureTables(ctx context.Context, connStr string, names ...string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := ensureTable(ctx, svc.NewClient(name)); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

func ensureTable(ctx context.Context, client *aztables.Client) error {
	_, err := client.CreateTable(ctx, nil)
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
		return nil
	}
	return err
}

func (t *Tables) Load(ctx context.Context, key string) ([]byte, error) {
	resp, err := t.client.GetEntity(ctx, t.partition, rowKey(key), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeTableValue(resp.Value)
}

func (t *Tables) Save(ctx context.Context, key string, value []byte) error {
	entity, err := encodeTableEntity(t.partition, rowKey(key), value)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	_, err = t.client.UpsertEntity(ctx, entity, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (t *Tables) Delete(ctx context.Context, key string) error {
	_, err := t.client.DeleteEntity(ctx, t.partition, rowKey(key), nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (t *Tables) Close() error { return nil }

func rowKey(key string) string { return rowKeyEscaper.Replace(key) }

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func chunkProperty(i int) string { return fmt.Sprintf("Data%02d", i) }

func encodeTableEntity(partition, row string, value []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(value)
	chunks := (len(encoded) + tableChunkChars - 1) / tableChunkChars
	if chunks > tableMaxChunks {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	entity := map[string]any{
		"PartitionKey": partition,
		"RowKey":       row,
		"Chunks":       chunks,
		"Size":         len(value),
	}
	for i := 0; i < chunks; i++ {
		end := min((i+1)*tableChunkChars, len(encoded))
		entity[chunkProperty(i)] = encoded[i*tableChunkChars : end]
	}
	return sonic.Marshal(entity)
}

func decodeTableValue(raw []byte) ([]byte, error) {
	var props map[string]any
	if err := sonic.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode table entity: %w", err)
	}
	n, ok := props["Chunks"].(float64)
	if !ok {
		return nil, errors.New("decode table entity: missing chunk count")
	}
	var sb strings.Builder
	for i := 0; i < int(n); i++ {
		part, ok := props[chunkProperty(i)].(string)
		if !ok {
			return nil, fmt.Errorf("decode table entity: missing %s", chunkProperty(i))
		}
		sb.WriteString(part)
	}
	return base64.StdEncoding.DecodeString(sb.String())
}
