package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store defines the interface for conversation history operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// CreateConversation inserts a new conversation and returns it.
	CreateConversation(ctx context.Context, title string) (*Conversation, error)

	// GetConversation retrieves a conversation by ID. Returns nil, nil if not found.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations retrieves conversations ordered by most recent activity.
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// SaveExchange inserts an exchange and bumps the conversation's updated_at.
	SaveExchange(ctx context.Context, exchange *Exchange) error

	// ListExchanges retrieves a conversation's exchanges in chronological order.
	ListExchanges(ctx context.Context, conversationID string, limit int) ([]*Exchange, error)

	// DeleteConversation removes a conversation and its exchanges.
	DeleteConversation(ctx context.Context, id string) error

	// DeleteAllConversations removes all history in a single transaction.
	DeleteAllConversations(ctx context.Context) error

	// PruneExchangesBefore deletes exchanges older than the cutoff, plus any
	// conversations left empty. Returns the number of exchanges removed.
	PruneExchangesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
        INSERT INTO conversations (id, title, created_at, updated_at)
        VALUES (:id, :title, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, conv); err != nil {
		s.logger.ErrorContext(ctx, "Error creating conversation", "error", err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.DebugContext(ctx, "Conversation created", "conversation_id", conv.ID)
	return conv, nil
}

func (s *sqlxStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}

	var conv Conversation
	query := `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`

	err := s.db.GetContext(ctx, &conv, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No conversation found", "conversation_id", id)
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting conversation", "conversation_id", id, "error", err)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	return &conv, nil
}

func (s *sqlxStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	} else if limit > 100 {
		limit = 100
	}

	var conversations []*Conversation
	query := `
        SELECT id, title, created_at, updated_at
        FROM conversations
        ORDER BY updated_at DESC
        LIMIT ?;
    `
	if err := s.db.SelectContext(ctx, &conversations, query, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error listing conversations", "error", err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	return conversations, nil
}

// SaveExchange inserts an exchange and updates the parent conversation's
// updated_at inside a single transaction.
func (s *sqlxStore) SaveExchange(ctx context.Context, exchange *Exchange) error {
	if exchange == nil {
		return fmt.Errorf("cannot save nil exchange")
	}
	if exchange.ConversationID == "" {
		return fmt.Errorf("exchange must have a conversation_id")
	}
	if exchange.Question == "" {
		return fmt.Errorf("exchange must have a non-empty question")
	}

	now := time.Now().UTC()
	if exchange.CreatedAt.IsZero() {
		exchange.CreatedAt = now
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving exchange",
			"conversation_id", exchange.ConversationID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	query := `
        INSERT INTO exchanges (conversation_id, question, answer, needs_db, sql_query, result_rows, error_text, created_at)
        VALUES (:conversation_id, :question, :answer, :needs_db, :sql_query, :result_rows, :error_text, :created_at);
    `
	result, err := tx.NamedExecContext(ctx, query, exchange)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving exchange",
			"conversation_id", exchange.ConversationID, "error", err)
		return fmt.Errorf("failed to save exchange for conversation %s: %w", exchange.ConversationID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		exchange.ID = uint(id)
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving exchange",
			"conversation_id", exchange.ConversationID, "error", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, exchange.ConversationID); err != nil {
		s.logger.ErrorContext(ctx, "Error bumping conversation timestamp",
			"conversation_id", exchange.ConversationID, "error", err)
		return fmt.Errorf("failed to update conversation %s: %w", exchange.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"conversation_id", exchange.ConversationID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Exchange saved successfully",
		"conversation_id", exchange.ConversationID, "exchange_id", exchange.ID)
	return nil
}

func (s *sqlxStore) ListExchanges(ctx context.Context, conversationID string, limit int) ([]*Exchange, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	} else if limit > 200 {
		limit = 200
	}

	var exchanges []*Exchange
	query := `
        SELECT id, conversation_id, question, answer, needs_db, sql_query, result_rows, error_text, created_at
        FROM exchanges
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC
        LIMIT ?;
    `
	if err := s.db.SelectContext(ctx, &exchanges, query, conversationID, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error listing exchanges",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to list exchanges for conversation %s: %w", conversationID, err)
	}

	return exchanges, nil
}

func (s *sqlxStore) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM exchanges WHERE conversation_id = ?`, id); err != nil {
		s.logger.ErrorContext(ctx, "Error deleting exchanges", "conversation_id", id, "error", err)
		return fmt.Errorf("failed to delete exchanges for conversation %s: %w", id, err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting conversation", "conversation_id", id, "error", err)
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Conversation deleted", "conversation_id", id)
	return nil
}

func (s *sqlxStore) DeleteAllConversations(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for history reset", "error", err)
		return fmt.Errorf("failed to begin transaction for history reset: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	exchangesResult, err := tx.ExecContext(ctx, `DELETE FROM exchanges`)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting exchanges during reset", "error", err)
		return fmt.Errorf("failed to delete exchanges during reset: %w", err)
	}
	exchangesCount, _ := exchangesResult.RowsAffected()

	conversationsResult, err := tx.ExecContext(ctx, `DELETE FROM conversations`)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting conversations during reset", "error", err)
		return fmt.Errorf("failed to delete conversations during reset: %w", err)
	}
	conversationsCount, _ := conversationsResult.RowsAffected()

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit history reset transaction", "error", err)
		return fmt.Errorf("failed to commit history reset transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Successfully reset all history",
		"exchanges_deleted", exchangesCount,
		"conversations_deleted", conversationsCount)
	return nil
}

func (s *sqlxStore) PruneExchangesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for pruning: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	result, err := tx.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error pruning exchanges", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to prune exchanges: %w", err)
	}
	pruned, _ := result.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id NOT IN (SELECT DISTINCT conversation_id FROM exchanges)`); err != nil {
		s.logger.ErrorContext(ctx, "Error removing empty conversations", "error", err)
		return 0, fmt.Errorf("failed to remove empty conversations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit pruning transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Pruned old exchanges", "count", pruned, "cutoff", cutoff)
	return pruned, nil
}

// RunMaintenance executes a VACUUM command on the SQLite database.
// VACUUM must run outside a transaction in SQLite.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}
