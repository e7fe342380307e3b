package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atendai/atendai/internal/convo"
)

// TurnStore persists completed turns in the turns table.
type TurnStore struct {
	db *sql.DB
}

func NewTurnStore(db *sql.DB) *TurnStore {
	return &TurnStore{db: db}
}

func (s *TurnStore) Append(ctx context.Context, turn convo.Turn) error {
	id := turn.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	toolCalls, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, tenant_id, instance, address, user_content, assistant_content, tool_calls, prompt_tokens, completion_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, turn.TenantID, turn.Key.Instance, turn.Key.Address,
		turn.UserContent, turn.AssistantContent, toolCalls,
		turn.PromptTokens, turn.CompletionTokens, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *TurnStore) Recent(ctx context.Context, key convo.Key, limit int) ([]convo.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_content, assistant_content, tool_calls, prompt_tokens, completion_tokens, created_at
		 FROM turns
		 WHERE instance = $1 AND address = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		key.Instance, key.Address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []convo.Turn
	for rows.Next() {
		var turn convo.Turn
		var toolCalls []byte
		turn.Key = key
		if err := rows.Scan(&turn.ID, &turn.TenantID, &turn.UserContent, &turn.AssistantContent, &toolCalls, &turn.PromptTokens, &turn.CompletionTokens, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &turn.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Query is newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
