package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/gemini"
)

// fakeAI scripts the three model operations.
type fakeAI struct {
	intent        *gemini.Intent
	intentErr     error
	repaired      string
	repairErr     error
	repairCalls   int
	answer        string
	answerErr     error
	syntTotalRows int
	syntTruncated bool
}

func (f *fakeAI) AnalyzeIntent(_ context.Context, _ string, _ *connector.SchemaInfo, _ []*database.Exchange) (*gemini.Intent, error) {
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	intent := *f.intent
	return &intent, nil
}

func (f *fakeAI) RepairQuery(_ context.Context, _, _, _ string) (string, error) {
	f.repairCalls++
	return f.repaired, f.repairErr
}

func (f *fakeAI) SynthesizeAnswer(_ context.Context, _ string, _ *gemini.Intent, _ []map[string]any, totalRows int, _ int, truncated bool) (string, error) {
	f.syntTotalRows = totalRows
	f.syntTruncated = truncated
	if f.answerErr != nil {
		return "", f.answerErr
	}
	return f.answer, nil
}

// fakeConn scripts query execution per statement. It applies the same
// guard contract as the real connector.
type fakeConn struct {
	driver  string
	schema  *connector.SchemaInfo
	results map[string]*connector.QueryResult
	errs    map[string]error
	execLog []string
	closed  bool
}

func (f *fakeConn) Driver() string                         { return f.driver }
func (f *fakeConn) TestConnection(_ context.Context) error { return nil }
func (f *fakeConn) Close() error                           { f.closed = true; return nil }

func (f *fakeConn) Schema(_ context.Context) (*connector.SchemaInfo, error) {
	if f.schema == nil {
		return nil, errors.New("introspection unavailable")
	}
	return f.schema, nil
}

func (f *fakeConn) ExecuteQuery(_ context.Context, query string, _ int) (*connector.QueryResult, error) {
	if err := connector.GuardQuery(query); err != nil {
		return nil, err
	}
	f.execLog = append(f.execLog, query)
	if err, ok := f.errs[query]; ok {
		return nil, err
	}
	if res, ok := f.results[query]; ok {
		return res, nil
	}
	return &connector.QueryResult{}, nil
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{MaxResultRows: 500, RowsShownToModel: 10, QueryTimeout: 5 * time.Second}
}

func newTestAgent(t *testing.T, ai gemini.Client, conn *fakeConn) *Agent {
	t.Helper()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })
	store := database.NewStore(db, nil)

	a := New(store, ai, nil, nil, testLimits(), slog.Default())
	a.WithConnFactory(func(_, _ string, _ *slog.Logger) (Conn, error) {
		if conn == nil {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})
	return a
}

func TestAskWithoutDatabase(t *testing.T) {
	ai := &fakeAI{
		intent: &gemini.Intent{NeedsDB: false},
		answer: "SQL is a query language.",
	}
	a := newTestAgent(t, ai, nil)

	resp, err := a.Ask(context.Background(), Request{Question: "what is SQL?"})
	require.NoError(t, err)
	assert.Equal(t, "SQL is a query language.", resp.Answer)
	assert.False(t, resp.NeedsDB)
	assert.Empty(t, resp.Error)
	require.NotEmpty(t, resp.ConversationID)

	// The exchange was persisted.
	exchanges, err := a.store.ListExchanges(context.Background(), resp.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "what is SQL?", exchanges[0].Question)
}

func TestAskNeedsDBWithoutConnectionString(t *testing.T) {
	ai := &fakeAI{
		intent: &gemini.Intent{NeedsDB: true, SQLQuery: "SELECT count(*) FROM users"},
		answer: "I would need a database connection to answer that.",
	}
	a := newTestAgent(t, ai, nil)

	resp, err := a.Ask(context.Background(), Request{Question: "how many users?"})
	require.NoError(t, err, "missing connection string is not a server error")
	assert.Equal(t, "Database connection string is required for this query", resp.Error)
	assert.False(t, resp.NeedsDB)
	assert.Empty(t, resp.QueryResults)
}

func TestAskExecutesQuery(t *testing.T) {
	const query = "SELECT count(*) AS n FROM users"
	ai := &fakeAI{
		intent: &gemini.Intent{NeedsDB: true, SQLQuery: query},
		answer: "There are 42 users.",
	}
	conn := &fakeConn{
		driver:  connector.DriverPostgres,
		results: map[string]*connector.QueryResult{query: {Rows: []map[string]any{{"n": int64(42)}}}},
	}
	a := newTestAgent(t, ai, conn)

	resp, err := a.Ask(context.Background(), Request{
		Question:         "how many users?",
		ConnectionString: "postgres://u:p@localhost/db",
		DBType:           "postgres",
	})
	require.NoError(t, err)
	assert.Equal(t, query, resp.SQLQuery)
	require.Len(t, resp.QueryResults, 1)
	assert.Equal(t, int64(42), resp.QueryResults[0]["n"])
	assert.Empty(t, resp.Error)
	assert.True(t, conn.closed, "user database connection must be released")
}

func TestAskReportsTruncatedResults(t *testing.T) {
	const query = "SELECT id FROM events"
	ai := &fakeAI{
		intent: &gemini.Intent{NeedsDB: true, SQLQuery: query},
		answer: "Here are the first events.",
	}
	conn := &fakeConn{
		driver: connector.DriverPostgres,
		results: map[string]*connector.QueryResult{query: {
			Rows:      []map[string]any{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}},
			Truncated: true,
		}},
	}
	a := newTestAgent(t, ai, conn)

	resp, err := a.Ask(context.Background(), Request{
		Question:         "list all events",
		ConnectionString: "postgres://u:p@h/db",
		DBType:           "postgres",
	})
	require.NoError(t, err)
	assert.True(t, resp.Truncated, "row-cap truncation must reach the caller")
	assert.True(t, ai.syntTruncated, "synthesis must know the count is a lower bound")
	assert.Equal(t, 3, ai.syntTotalRows)
}

func TestAskRepairsFailedQuery(t *testing.T) {
	const bad = "SELECT usrname FROM users"
	const fixed = "SELECT username FROM users"
	ai := &fakeAI{
		intent:   &gemini.Intent{NeedsDB: true, SQLQuery: bad},
		repaired: fixed,
		answer:   "The usernames are alice and bob.",
	}
	conn := &fakeConn{
		driver:  connector.DriverMySQL,
		errs:    map[string]error{bad: errors.New("unknown column 'usrname'")},
		results: map[string]*connector.QueryResult{fixed: {Rows: []map[string]any{{"username": "alice"}, {"username": "bob"}}}},
	}
	a := newTestAgent(t, ai, conn)

	resp, err := a.Ask(context.Background(), Request{
		Question:         "list the usernames",
		ConnectionString: "u:p@tcp(localhost:3306)/db",
		DBType:           "mysql",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ai.repairCalls)
	assert.Equal(t, fixed, resp.SQLQuery)
	assert.Len(t, resp.QueryResults, 2)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{bad, fixed}, conn.execLog)
}

func TestAskRepairedQueryStillFails(t *testing.T) {
	const bad = "SELECT x FROM t"
	const stillBad = "SELECT y FROM t"
	ai := &fakeAI{
		intent:   &gemini.Intent{NeedsDB: true, SQLQuery: bad},
		repaired: stillBad,
		answer:   "I could not retrieve the data.",
	}
	conn := &fakeConn{
		driver: connector.DriverPostgres,
		errs: map[string]error{
			bad:      errors.New("column x does not exist"),
			stillBad: errors.New("column y does not exist"),
		},
	}
	a := newTestAgent(t, ai, conn)

	resp, err := a.Ask(context.Background(), Request{
		Question:         "q",
		ConnectionString: "postgres://u:p@h/db",
		DBType:           "postgres",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "column x does not exist")
	assert.Equal(t, bad, resp.SQLQuery)
	assert.Empty(t, resp.QueryResults)
}

func TestAskGuardVetoSkipsRepair(t *testing.T) {
	ai := &fakeAI{
		intent: &gemini.Intent{NeedsDB: true, SQLQuery: "DELETE FROM users"},
		answer: "I cannot run that statement.",
	}
	conn := &fakeConn{driver: connector.DriverPostgres}
	a := newTestAgent(t, ai, conn)

	resp, err := a.Ask(context.Background(), Request{
		Question:         "remove all users",
		ConnectionString: "postgres://u:p@h/db",
		DBType:           "postgres",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "unsafe SQL rejected")
	assert.Zero(t, ai.repairCalls, "guard vetoes are never retried")
	assert.Empty(t, conn.execLog, "vetoed statements never reach the database")
}

func TestAskIntentFailureReturns200Shape(t *testing.T) {
	ai := &fakeAI{intentErr: errors.New("model unavailable")}
	a := newTestAgent(t, ai, nil)

	resp, err := a.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "I apologize")
	assert.Contains(t, resp.Error, "model unavailable")
}

func TestAskContinuesConversation(t *testing.T) {
	ai := &fakeAI{intent: &gemini.Intent{}, answer: "a"}
	a := newTestAgent(t, ai, nil)

	first, err := a.Ask(context.Background(), Request{Question: "first"})
	require.NoError(t, err)

	second, err := a.Ask(context.Background(), Request{Question: "second", ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	exchanges, err := a.store.ListExchanges(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, exchanges, 2)
}

func TestAskUnknownConversationFails(t *testing.T) {
	ai := &fakeAI{intent: &gemini.Intent{}, answer: "a"}
	a := newTestAgent(t, ai, nil)

	_, err := a.Ask(context.Background(), Request{Question: "q", ConversationID: "missing"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAskTruncatesTitleOnRuneBoundary(t *testing.T) {
	ai := &fakeAI{intent: &gemini.Intent{}, answer: "a"}
	a := newTestAgent(t, ai, nil)

	question := strings.Repeat("ü", 100)
	resp, err := a.Ask(context.Background(), Request{Question: question})
	require.NoError(t, err)

	conv, err := a.store.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.True(t, utf8.ValidString(conv.Title))
	assert.Equal(t, strings.Repeat("ü", 80), conv.Title)
}
