package gemini

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/database"
)

const intentRules = `IMPORTANT RULES:
1. NEVER generate DELETE, DROP, or any other destructive SQL commands.
2. Only generate SELECT statements for data retrieval.
3. If unsure whether the database is needed, set needs_db to false.
4. Keep queries simple and efficient.
5. Use standard SQL syntax.
6. Quote table and column names only when they might be reserved words.
7. When multiple tables are involved, use appropriate JOIN clauses.`

// BuildIntentPrompt renders the intent-analysis prompt: the question,
// optional conversation context, and a metadata description of the
// connected database. Only schema metadata is sent, never row data.
func BuildIntentPrompt(question string, schema *connector.SchemaInfo, history []*database.Exchange) string {
	var b strings.Builder

	b.WriteString("Analyze the following user question and determine if it requires database access.\n")
	b.WriteString("If it does, generate a safe SQL query to fulfill the request.\n\n")
	b.WriteString("USER QUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\n")

	if len(history) > 0 {
		b.WriteString("EARLIER IN THIS CONVERSATION:\n")
		for _, ex := range history {
			b.WriteString("Q: " + ex.Question + "\n")
			b.WriteString("A: " + ex.Answer + "\n")
		}
		b.WriteString("\n")
	}

	if schema != nil && len(schema.Tables) > 0 {
		b.WriteString("DATABASE SCHEMA:\n")
		b.WriteString(RenderSchema(schema))
		b.WriteString("\nUse this schema to generate accurate SQL. Only reference tables and columns listed above.\n\n")
	} else {
		b.WriteString("No database schema is available. Set needs_db to true only if the question clearly asks about stored data.\n\n")
	}

	b.WriteString(intentRules)
	return b.String()
}

// RenderSchema produces a compact, deterministic text description of the
// schema snapshot: one block per table with columns, keys, and
// relationships.
func RenderSchema(schema *connector.SchemaInfo) string {
	names := make([]string, 0, len(schema.Tables))
	for name := range schema.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		table := schema.Tables[name]

		b.WriteString("TABLE " + name + " (")
		for i, col := range table.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(col.Name + " " + col.Type)
		}
		b.WriteString(")\n")

		if len(table.PrimaryKeys) > 0 {
			b.WriteString("  PRIMARY KEY: " + strings.Join(table.PrimaryKeys, ", ") + "\n")
		}
		for _, fk := range table.ForeignKeys {
			b.WriteString(fmt.Sprintf("  FOREIGN KEY: (%s) REFERENCES %s (%s)\n",
				strings.Join(fk.Columns, ", "), fk.ReferredTable, strings.Join(fk.ReferredColumns, ", ")))
		}
	}
	return b.String()
}

// BuildRepairPrompt asks the model to fix a failed query for the given
// driver's dialect, returning only the corrected SQL.
func BuildRepairPrompt(sqlQuery, dbError, driver string) string {
	dialect := map[string]string{
		connector.DriverPostgres:  "PostgreSQL",
		connector.DriverMySQL:     "MySQL",
		connector.DriverSQLServer: "SQL Server (T-SQL)",
	}[driver]
	if dialect == "" {
		dialect = "standard SQL"
	}

	return fmt.Sprintf(`The SQL query:
%s

Failed with error:
%s

Fix the query to address this error, using proper %s syntax.
The fixed query must remain a single read-only SELECT statement.
Return only the fixed SQL query with no explanation.`, sqlQuery, dbError, dialect)
}

// BuildAnswerPrompt renders one of three prompt shapes: results present
// (first rowsShown rows only), query ran but returned nothing, or no
// database access needed. truncated marks totalRows as a lower bound.
func BuildAnswerPrompt(question string, intent *Intent, rows []map[string]any, totalRows int, rowsShown int, truncated bool) (string, error) {
	if intent != nil && intent.NeedsDB && totalRows > 0 {
		if rowsShown <= 0 {
			rowsShown = 10
		}
		sample := rows
		if len(sample) > rowsShown {
			sample = sample[:rowsShown]
		}
		sampleJSON, err := json.MarshalIndent(sample, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal result sample: %w", err)
		}

		resultCount := fmt.Sprintf("And got %d results.", totalRows)
		if truncated {
			resultCount = fmt.Sprintf("And got at least %d results (the result set was cut off at that limit, so the true count is higher).", totalRows)
		}

		return fmt.Sprintf(`The user asked: %q

I executed the following SQL query:
%s

%s Here are the first %d rows:
%s

Provide a clear, concise response that answers the user's question based on these results.
Include relevant data points but don't just repeat all the raw data.
If there are important patterns, trends, or insights in the data, highlight them.
If there are more than %d rows, mention that there are additional results not shown.`,
			question, intent.SQLQuery, resultCount, len(sample), sampleJSON, len(sample)), nil
	}

	if intent != nil && intent.NeedsDB {
		return fmt.Sprintf(`The user asked: %q

I queried the database with:
%s

However, no results were returned. Provide a helpful response explaining that
no matching data was found and suggest possible reasons or alternative approaches.`,
			question, intent.SQLQuery), nil
	}

	return fmt.Sprintf(`The user asked: %q

This question doesn't require database access. Provide a helpful, informative response.
Be concise but thorough, and if you don't have enough information to answer properly,
suggest what additional information would be helpful.`, question), nil
}

// StripSQLFences removes markdown code fences the model sometimes wraps
// around SQL despite instructions.
func StripSQLFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
