package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PRSENTINEL/internal/types"
)

// stays under SQLite's bound-parameter limit
const deleteBatch = 500

// SaveSource creates or updates a knowledge source. Registration order is kept.
func (d *DB) SaveSource(ctx context.Context, src *types.KnowledgeSource) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO knowledge_sources (id, name, type, url, last_updated, status, confidence, priority, scope, active, last_error, registered_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(registered_seq) FROM knowledge_sources), 0) + 1)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			type=excluded.type,
			url=excluded.url,
			last_updated=excluded.last_updated,
			status=excluded.status,
			confidence=excluded.confidence,
			priority=excluded.priority,
			scope=excluded.scope,
			active=excluded.active,
			last_error=excluded.last_error
	`,
		src.ID, src.Name, string(src.Type), src.URL, formatTime(src.LastUpdated),
		string(src.Status), src.Confidence, string(src.Priority), string(src.Scope),
		boolToInt(src.Active), src.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save source %s: %w", src.ID, err)
	}
	return nil
}

// LoadSources returns all sources in registration order
func (d *DB) LoadSources(ctx context.Context) ([]*types.KnowledgeSource, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, type, url, last_updated, status, confidence, priority, scope, active, last_error
		FROM knowledge_sources ORDER BY registered_seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*types.KnowledgeSource
	for rows.Next() {
		var src types.KnowledgeSource
		var srcType, status, priority, scope, lastUpdated string
		var active int
		if err := rows.Scan(&src.ID, &src.Name, &srcType, &src.URL, &lastUpdated, &status,
			&src.Confidence, &priority, &scope, &active, &src.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		src.Type = types.ProviderType(srcType)
		src.Status = types.SyncStatus(status)
		src.Priority = types.Tier(priority)
		src.Scope = types.Scope(scope)
		src.Active = active != 0
		if src.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, err
		}
		sources = append(sources, &src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	return sources, nil
}

// SaveItem creates or updates a knowledge item
func (d *DB) SaveItem(ctx context.Context, item *types.KnowledgeItem) error {
	tags, err := json.Marshal(nonNil(item.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	var rule sql.NullString
	if item.Rule != nil {
		data, err := json.Marshal(item.Rule)
		if err != nil {
			return fmt.Errorf("failed to marshal rule: %w", err)
		}
		rule = sql.NullString{String: string(data), Valid: true}
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (id, source_id, title, content, type, tags, last_updated, confidence, rule, inserted_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(inserted_seq) FROM knowledge_items), 0) + 1)
		ON CONFLICT(id) DO UPDATE SET
			source_id=excluded.source_id,
			title=excluded.title,
			content=excluded.content,
			type=excluded.type,
			tags=excluded.tags,
			last_updated=excluded.last_updated,
			confidence=excluded.confidence,
			rule=excluded.rule
	`,
		item.ID, item.SourceID, item.Title, item.Content, string(item.Type),
		string(tags), formatTime(item.LastUpdated), item.Confidence, rule,
	)
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", item.ID, err)
	}
	return nil
}

// DeleteItems removes items by id
func (d *DB) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += deleteBatch {
			end := start + deleteBatch
			if end > len(ids) {
				end = len(ids)
			}
			batch := ids[start:end]
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", ")
			args := make([]interface{}, len(batch))
			for i, id := range batch {
				args[i] = id
			}
			query := fmt.Sprintf(`DELETE FROM knowledge_items WHERE id IN (%s)`, placeholders)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to delete items: %w", err)
			}
		}
		return nil
	})
}

// LoadItems returns all items in insertion order
func (d *DB) LoadItems(ctx context.Context) ([]*types.KnowledgeItem, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, source_id, title, content, type, tags, last_updated, confidence, rule
		FROM knowledge_items ORDER BY inserted_seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*types.KnowledgeItem
	for rows.Next() {
		var item types.KnowledgeItem
		var itemType, tags, lastUpdated string
		var rule sql.NullString
		if err := rows.Scan(&item.ID, &item.SourceID, &item.Title, &item.Content, &itemType,
			&tags, &lastUpdated, &item.Confidence, &rule); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		item.Type = types.ItemType(itemType)
		if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
			return nil, fmt.Errorf("item %s: failed to unmarshal tags: %w", item.ID, err)
		}
		if rule.Valid && rule.String != "" {
			item.Rule = &types.PolicyRule{}
			if err := json.Unmarshal([]byte(rule.String), item.Rule); err != nil {
				return nil, fmt.Errorf("item %s: failed to unmarshal rule: %w", item.ID, err)
			}
		}
		if item.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
