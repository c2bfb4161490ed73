// Package agent orchestrates answering one natural-language question:
// schema discovery, intent analysis, guarded SQL execution with a single
// repair retry, answer synthesis, and history persistence.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/askdb/askdb/internal/cache"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/gemini"
	"github.com/askdb/askdb/internal/metrics"
)

// historyWindow caps how many prior exchanges are replayed into the
// intent prompt.
const historyWindow = 6

// titleRuneLimit bounds conversation titles derived from the question.
const titleRuneLimit = 80

// ErrConversationNotFound reports a conversation_id that matches no
// stored conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Request is one question to answer. The connection string is optional;
// without it only non-database questions get full answers.
type Request struct {
	Question         string
	ConnectionString string
	DBType           string
	ConversationID   string
}

// Response mirrors the original /query contract: the answer plus the
// evidence trail (generated SQL, rows, error) when the database was used.
type Response struct {
	ConversationID string
	Answer         string
	NeedsDB        bool
	SQLQuery       string
	QueryResults   []map[string]any
	Truncated      bool
	Error          string
}

// Conn is the slice of connector behavior the agent needs; the concrete
// implementation is *connector.Connector.
type Conn interface {
	Driver() string
	TestConnection(ctx context.Context) error
	Schema(ctx context.Context) (*connector.SchemaInfo, error)
	ExecuteQuery(ctx context.Context, query string, maxRows int) (*connector.QueryResult, error)
	Close() error
}

// ConnFactory opens a connection to a user database.
type ConnFactory func(dbType, dsn string, logger *slog.Logger) (Conn, error)

func defaultConnFactory(dbType, dsn string, logger *slog.Logger) (Conn, error) {
	return connector.New(dbType, dsn, logger)
}

// Agent wires the AI client, the conversation store, and the optional
// schema cache into the question-answering pipeline.
type Agent struct {
	store   database.Store
	ai      gemini.Client
	cache   *cache.SchemaCache
	metrics *metrics.Metrics
	limits  config.LimitsConfig
	logger  *slog.Logger
	connect ConnFactory
}

// New creates an Agent. cache may be nil (caching disabled).
func New(store database.Store, ai gemini.Client, schemaCache *cache.SchemaCache, m *metrics.Metrics, limits config.LimitsConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Agent{
		store:   store,
		ai:      ai,
		cache:   schemaCache,
		metrics: m,
		limits:  limits,
		logger:  logger.With("component", "agent"),
		connect: defaultConnFactory,
	}
}

// WithConnFactory overrides how user databases are opened. Used by tests.
func (a *Agent) WithConnFactory(f ConnFactory) *Agent {
	a.connect = f
	return a
}

// ValidateConnection opens the described database and runs a trivial
// query against it.
func (a *Agent) ValidateConnection(ctx context.Context, dbType, dsn string) error {
	conn, err := a.connect(dbType, dsn, a.logger)
	if err != nil {
		return err
	}
	defer a.closeConn(ctx, conn)

	return conn.TestConnection(ctx)
}

// Ask answers one question end to end. Agent-level failures (AI errors,
// SQL failures, missing connection string) are reported inside the
// Response, not as returned errors; only broken invariants (e.g. the
// store rejecting the conversation) surface as errors.
func (a *Agent) Ask(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	conv, err := a.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	history, err := a.store.ListExchanges(ctx, conv.ID, historyWindow)
	if err != nil {
		a.logger.WarnContext(ctx, "Could not load conversation history", "conversation_id", conv.ID, "error", err)
		history = nil
	}

	var conn Conn
	var schema *connector.SchemaInfo
	if req.ConnectionString != "" {
		conn, schema = a.openAndInspect(ctx, req)
		if conn != nil {
			defer a.closeConn(ctx, conn)
		}
	}

	resp := &Response{ConversationID: conv.ID}

	intentStart := time.Now()
	intent, err := a.ai.AnalyzeIntent(ctx, req.Question, schema, history)
	a.observeStage("intent", intentStart)
	a.countGemini("intent", err)
	if err != nil {
		a.countQuestion("ai_error")
		resp.Answer = fmt.Sprintf("I apologize, but I encountered an error processing your question: %v", err)
		resp.Error = err.Error()
		a.persistExchange(ctx, conv.ID, req.Question, resp)
		return resp, nil
	}

	resp.NeedsDB = intent.NeedsDB

	if intent.NeedsDB {
		switch {
		case req.ConnectionString == "":
			resp.Error = "Database connection string is required for this query"
			resp.NeedsDB = false
			intent.NeedsDB = false

		case conn == nil:
			resp.Error = "Could not connect to the database"
			resp.NeedsDB = false
			intent.NeedsDB = false

		default:
			a.runQuery(ctx, conn, intent, resp)
		}
	}

	answerStart := time.Now()
	answer, err := a.ai.SynthesizeAnswer(ctx, req.Question, intent, resp.QueryResults, len(resp.QueryResults), a.limits.RowsShownToModel, resp.Truncated)
	a.observeStage("answer", answerStart)
	a.countGemini("answer", err)
	if err != nil {
		a.logger.ErrorContext(ctx, "Answer synthesis failed", "error", err)
		answer = fmt.Sprintf("I apologize, but I encountered an error generating a response: %v", err)
		if resp.Error == "" {
			resp.Error = err.Error()
		}
	}
	resp.Answer = answer

	if resp.Error != "" {
		a.countQuestion("answered_with_error")
	} else {
		a.countQuestion("answered")
	}

	a.persistExchange(ctx, conv.ID, req.Question, resp)

	a.logger.InfoContext(ctx, "Question answered",
		"conversation_id", conv.ID,
		"needs_db", resp.NeedsDB,
		"result_rows", len(resp.QueryResults),
		"had_error", resp.Error != "",
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// runQuery executes the intent's SQL with the read-only guard, asking the
// model to repair the statement once if the database rejects it. The
// guard also vets the repaired statement; a guard veto is never retried.
func (a *Agent) runQuery(ctx context.Context, conn Conn, intent *gemini.Intent, resp *Response) {
	queryCtx, cancel := context.WithTimeout(ctx, a.limits.QueryTimeout)
	defer cancel()

	execStart := time.Now()
	result, err := conn.ExecuteQuery(queryCtx, intent.SQLQuery, a.limits.MaxResultRows)
	a.observeStage("execute", execStart)
	if err == nil {
		a.countSQL(conn.Driver(), "ok")
		resp.SQLQuery = intent.SQLQuery
		resp.QueryResults = result.Rows
		resp.Truncated = result.Truncated
		return
	}

	var unsafe *connector.ErrUnsafeQuery
	if errors.As(err, &unsafe) {
		a.countSQL(conn.Driver(), "rejected")
		a.logger.WarnContext(ctx, "Generated SQL rejected by guard", "reason", unsafe.Reason)
		resp.SQLQuery = intent.SQLQuery
		resp.Error = err.Error()
		return
	}

	a.countSQL(conn.Driver(), "error")
	a.logger.WarnContext(ctx, "Query failed, attempting repair", "error", err)

	fixed, repairErr := a.ai.RepairQuery(ctx, intent.SQLQuery, err.Error(), conn.Driver())
	a.countGemini("repair", repairErr)
	if repairErr != nil {
		a.logger.ErrorContext(ctx, "Query repair failed", "error", repairErr)
		resp.SQLQuery = intent.SQLQuery
		resp.Error = err.Error()
		return
	}

	retryStart := time.Now()
	result, retryErr := conn.ExecuteQuery(queryCtx, fixed, a.limits.MaxResultRows)
	a.observeStage("execute_retry", retryStart)
	if retryErr != nil {
		a.countSQL(conn.Driver(), "error")
		a.logger.WarnContext(ctx, "Repaired query also failed", "error", retryErr)
		resp.SQLQuery = intent.SQLQuery
		resp.Error = err.Error()
		return
	}

	a.countSQL(conn.Driver(), "ok")
	intent.SQLQuery = fixed
	resp.SQLQuery = fixed
	resp.QueryResults = result.Rows
	resp.Truncated = result.Truncated
}

func (a *Agent) resolveConversation(ctx context.Context, req Request) (*database.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := a.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		if conv == nil {
			return nil, fmt.Errorf("conversation %s: %w", req.ConversationID, ErrConversationNotFound)
		}
		return conv, nil
	}

	title := req.Question
	if utf8.RuneCountInString(title) > titleRuneLimit {
		title = string([]rune(title)[:titleRuneLimit])
	}
	conv, err := a.store.CreateConversation(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// openAndInspect connects to the user database and fetches its schema,
// preferring a cached snapshot. Both steps degrade gracefully: a failure
// just means the intent prompt goes out without schema context.
func (a *Agent) openAndInspect(ctx context.Context, req Request) (Conn, *connector.SchemaInfo) {
	conn, err := a.connect(req.DBType, req.ConnectionString, a.logger)
	if err != nil {
		a.logger.WarnContext(ctx, "Could not connect to user database", "error", err)
		return nil, nil
	}

	key := cache.Key(conn.Driver(), req.ConnectionString)
	if schema := a.cache.Get(ctx, key); schema != nil {
		a.countCache("hit")
		return conn, schema
	}
	a.countCache("miss")

	schemaStart := time.Now()
	schema, err := conn.Schema(ctx)
	a.observeStage("introspect", schemaStart)
	if err != nil {
		a.logger.WarnContext(ctx, "Could not introspect schema", "error", err)
		return conn, nil
	}

	a.cache.Set(ctx, key, schema)
	return conn, schema
}

func (a *Agent) persistExchange(ctx context.Context, conversationID, question string, resp *Response) {
	exchange := &database.Exchange{
		ConversationID: conversationID,
		Question:       question,
		Answer:         resp.Answer,
		NeedsDB:        resp.NeedsDB,
		ResultRows:     len(resp.QueryResults),
	}
	if resp.SQLQuery != "" {
		exchange.SQLQuery = sql.NullString{String: resp.SQLQuery, Valid: true}
	}
	if resp.Error != "" {
		exchange.ErrorText = sql.NullString{String: resp.Error, Valid: true}
	}

	if err := a.store.SaveExchange(ctx, exchange); err != nil {
		a.logger.ErrorContext(ctx, "Failed to persist exchange", "conversation_id", conversationID, "error", err)
	}
}

func (a *Agent) closeConn(ctx context.Context, conn Conn) {
	if err := conn.Close(); err != nil {
		a.logger.WarnContext(ctx, "Error closing user database connection", "error", err)
	}
}

func (a *Agent) observeStage(stage string, start time.Time) {
	if a.metrics != nil {
		a.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (a *Agent) countQuestion(outcome string) {
	if a.metrics != nil {
		a.metrics.QuestionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (a *Agent) countSQL(driver, result string) {
	if a.metrics != nil {
		a.metrics.SQLExecutions.WithLabelValues(driver, result).Inc()
	}
}

func (a *Agent) countGemini(operation string, err error) {
	if a.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.metrics.GeminiCalls.WithLabelValues(operation, result).Inc()
}

func (a *Agent) countCache(outcome string) {
	if a.metrics != nil {
		a.metrics.SchemaCacheHits.WithLabelValues(outcome).Inc()
	}
}
