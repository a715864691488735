package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/medvault/internal/domain"
)

const indexPrefix = "medvault_access_"

// ErrSearchDisabled is returned by QueryAccess when no cluster is configured.
var ErrSearchDisabled = fmt.Errorf("%w: access search not configured", domain.ErrStorage)

// Service mirrors access-log entries into a searchable index.
type Service interface {
	LogAccess(ctx context.Context, entry *domain.AccessLogEntry) error
	QueryAccess(ctx context.Context, filters map[string]interface{}, from, size int) ([]domain.AccessLogEntry, error)
}

type service struct {
	es     *elasticsearch.Client
	logger *logrus.Logger
}

// NewService returns an Elasticsearch-backed mirror. With a nil client
// entries are only written to the structured log.
func NewService(esClient *elasticsearch.Client, logger *logrus.Logger) Service {
	if logger == nil {
		logger = NewLogger(logrus.InfoLevel)
	}
	return &service{es: esClient, logger: logger}
}

// NewLogger builds the JSON logrus logger used for the access mirror.
func NewLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	logger.SetLevel(level)
	return logger
}

func indexFor(t time.Time) string {
	return indexPrefix + t.UTC().Format("2006.01")
}

func (s *service) LogAccess(ctx context.Context, entry *domain.AccessLogEntry) error {
	fields := logrus.Fields{
		"actor_id":  entry.ActorID,
		"record_id": entry.RecordID,
		"action":    entry.Action,
		"success":   entry.Success,
	}
	if entry.Reason != "" {
		fields["reason"] = entry.Reason
	}

	if s.es != nil {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		res, err := s.es.Index(
			indexFor(entry.Timestamp),
			bytes.NewReader(payload),
			s.es.Index.WithContext(ctx),
			s.es.Index.WithDocumentID(entry.ID),
		)
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Error("Failed to index access entry")
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			body, _ := io.ReadAll(res.Body)
			err := fmt.Errorf("index access entry: %s: %s", res.Status(), body)
			s.logger.WithError(err).WithFields(fields).Error("Failed to index access entry")
			return err
		}
	}

	s.logger.WithFields(fields).Info("Access decision recorded")
	return nil
}

func (s *service) QueryAccess(ctx context.Context, filters map[string]interface{}, from, size int) ([]domain.AccessLogEntry, error) {
	if s.es == nil {
		return nil, ErrSearchDisabled
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": buildQueryFilters(filters),
			},
		},
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "desc"}},
		},
		"from": from,
		"size": size,
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(indexPrefix+"*"),
		s.es.Search.WithBody(bytes.NewReader(queryJSON)),
	)
	if err != nil {
		return nil, domain.NewStorageError("search access", err, true)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, domain.NewStorageError("search access", fmt.Errorf("%s", res.Status()), false)
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source domain.AccessLogEntry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, err
	}

	entries := make([]domain.AccessLogEntry, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		entries[i] = hit.Source
	}
	return entries, nil
}

func buildQueryFilters(filters map[string]interface{}) []map[string]interface{} {
	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	must := make([]map[string]interface{}, 0, len(fields))
	for _, field := range fields {
		must = append(must, map[string]interface{}{
			"match": map[string]interface{}{field: filters[field]},
		})
	}
	return must
}
