package database

import (
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/mesikahq/medvault/internal/config"
)

// NewElasticsearch returns nil when no addresses are configured, which
// leaves the access-log mirror in log-only mode.
func NewElasticsearch(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, nil
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}
