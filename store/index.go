package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"

	"github.com/ccbhj/ruleflow/condition"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
)

// payloadPrefix is where execution payloads live in indexed documents.
const payloadPrefix = "payload."

const indexMapping = `{
	"mappings": {
		"dynamic_templates": [
			{"strings": {"match_mapping_type": "string", "mapping": {"type": "keyword"}}}
		],
		"properties": {
			"id":           {"type": "keyword"},
			"rule_id":      {"type": "keyword"},
			"status":       {"type": "keyword"},
			"attempt":      {"type": "integer"},
			"error":        {"type": "text"},
			"created_at":   {"type": "date"},
			"completed_at": {"type": "date"},
			"payload":      {"type": "object"},
			"output":       {"type": "object", "enabled": false}
		}
	}
}`

type (
	// ExecutionIndex makes finished executions searchable with the same
	// conditions rules are written in.
	ExecutionIndex struct {
		client *elastic.Client
		index  string
	}

	IndexedExecution struct {
		ID          string                 `json:"id"`
		RuleID      string                 `json:"rule_id"`
		Status      execution.Status       `json:"status"`
		Attempt     int                    `json:"attempt"`
		Error       string                 `json:"error,omitempty"`
		Payload     map[string]interface{} `json:"payload,omitempty"`
		Output      map[string]interface{} `json:"output,omitempty"`
		CreatedAt   time.Time              `json:"created_at"`
		CompletedAt time.Time              `json:"completed_at,omitempty"`
	}
)

func NewExecutionIndex(client *elastic.Client, index string) *ExecutionIndex {
	return &ExecutionIndex{client: client, index: index}
}

// NewElasticClient connects to urls. Sniffing is off unless asked for so the
// client works behind load balancers and in containers.
func NewElasticClient(urls []string, sniff bool, opts ...elastic.ClientOptionFunc) (*elastic.Client, error) {
	base := []elastic.ClientOptionFunc{
		elastic.SetURL(urls...),
		elastic.SetSniff(sniff),
	}
	client, err := elastic.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fault.System(err, "connect to elasticsearch")
	}
	return client, nil
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (x *ExecutionIndex) EnsureIndex(ctx context.Context) error {
	exists, err := x.client.IndexExists(x.index).Do(ctx)
	if err != nil {
		return fault.System(err, "check index %s", x.index)
	}
	if exists {
		return nil
	}
	if _, err := x.client.CreateIndex(x.index).BodyString(indexMapping).Do(ctx); err != nil {
		return fault.System(err, "create index %s", x.index)
	}
	return nil
}

func (x *ExecutionIndex) Index(ctx context.Context, e *execution.Execution) error {
	doc := IndexedExecution{
		ID:          e.ID,
		RuleID:      e.RuleID,
		Status:      e.Status,
		Attempt:     e.Attempt,
		Error:       e.Error,
		Payload:     e.Payload,
		Output:      e.Output,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
	}
	_, err := x.client.Index().
		Index(x.index).
		Id(e.ID).
		BodyJson(doc).
		Do(ctx)
	if err != nil {
		return fault.System(err, "index execution %s", e.ID)
	}
	return nil
}

// Search returns up to size executions of ruleID (any rule when empty) whose
// payload matches conds, newest first.
func (x *ExecutionIndex) Search(ctx context.Context, ruleID string, conds []condition.Condition, size int) ([]*IndexedExecution, error) {
	query, err := condition.ToQuery(conds, payloadPrefix)
	if err != nil {
		return nil, fault.Validation("search conditions: %v", err)
	}
	if ruleID != "" {
		query.Filter(elastic.NewTermQuery("rule_id", ruleID))
	}
	if size <= 0 {
		size = 50
	}
	res, err := x.client.Search(x.index).
		Query(query).
		Sort("created_at", false).
		Size(size).
		Do(ctx)
	if err != nil {
		return nil, fault.System(err, "search index %s", x.index)
	}

	if res.Hits == nil {
		return nil, nil
	}
	out := make([]*IndexedExecution, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		var doc IndexedExecution
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, errors.Wrapf(err, "decode hit %s", hit.Id)
		}
		out = append(out, &doc)
	}
	return out, nil
}
