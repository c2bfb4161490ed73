package database

import (
	"database/sql"
	"time"
)

// Conversation groups the exchanges of one chat session.
type Conversation struct {
	ID        string    `db:"id"         json:"id"`
	Title     string    `db:"title"      json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Exchange records one question/answer round trip, including the SQL that
// was executed (if any). Connection strings are deliberately never stored.
type Exchange struct {
	ID             uint           `db:"id"              json:"id"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	Question       string         `db:"question"        json:"question"`
	Answer         string         `db:"answer"          json:"answer"`
	NeedsDB        bool           `db:"needs_db"        json:"needs_db"`
	SQLQuery       sql.NullString `db:"sql_query"       json:"-"`
	ResultRows     int            `db:"result_rows"     json:"result_rows"`
	ErrorText      sql.NullString `db:"error_text"      json:"-"`
	CreatedAt      time.Time      `db:"created_at"      json:"created_at"`
}
