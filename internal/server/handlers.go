package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/database"
)

// QueryAgent is the agent surface the handlers depend on.
type QueryAgent interface {
	Ask(ctx context.Context, req agent.Request) (*agent.Response, error)
	ValidateConnection(ctx context.Context, dbType, dsn string) error
}

type handlers struct {
	agent  QueryAgent
	store  database.Store
	logger *slog.Logger
}

// QueryRequest is the /query payload. db_type defaults to sqlserver to
// match the original client.
type QueryRequest struct {
	Query            string `json:"query" binding:"required"`
	ConnectionString string `json:"connection_string"`
	DBType           string `json:"db_type"`
	ConversationID   string `json:"conversation_id"`
}

type QueryResponse struct {
	ConversationID string           `json:"conversation_id"`
	Answer         string           `json:"answer"`
	NeedsDB        bool             `json:"needs_db"`
	SQLQuery       string           `json:"sql_query,omitempty"`
	QueryResults   []map[string]any `json:"query_results,omitempty"`
	Truncated      bool             `json:"truncated,omitempty"`
	Error          string           `json:"error,omitempty"`
}

type ConnectionRequest struct {
	ConnectionString string `json:"connection_string" binding:"required"`
	DBType           string `json:"db_type" binding:"required"`
}

type MSSQLConnectionRequest struct {
	Server            string `json:"server" binding:"required"`
	Database          string `json:"database" binding:"required"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	TrustedConnection bool   `json:"trusted_connection"`
	Instance          string `json:"instance"`
}

func (h *handlers) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *handlers) query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DBType == "" {
		req.DBType = connector.DriverSQLServer
	}

	resp, err := h.agent.Ask(c.Request.Context(), agent.Request{
		Question:         req.Query,
		ConnectionString: req.ConnectionString,
		DBType:           req.DBType,
		ConversationID:   req.ConversationID,
	})
	if err != nil {
		if errors.Is(err, agent.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "Query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{
		ConversationID: resp.ConversationID,
		Answer:         resp.Answer,
		NeedsDB:        resp.NeedsDB,
		SQLQuery:       resp.SQLQuery,
		QueryResults:   resp.QueryResults,
		Truncated:      resp.Truncated,
		Error:          resp.Error,
	})
}

func (h *handlers) validateConnection(c *gin.Context) {
	var req ConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.agent.ValidateConnection(c.Request.Context(), req.DBType, req.ConnectionString); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "message": "Connection successful"})
}

func (h *handlers) createMSSQLConnection(c *gin.Context) {
	var req MSSQLConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dsn, err := connector.BuildSQLServerDSN(connector.SQLServerParams{
		Server:            req.Server,
		Database:          req.Database,
		Username:          req.Username,
		Password:          req.Password,
		TrustedConnection: req.TrustedConnection,
		Instance:          req.Instance,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_string": dsn})
}

func (h *handlers) listConversations(c *gin.Context) {
	conversations, err := h.store.ListConversations(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *handlers) getConversation(c *gin.Context) {
	id := c.Param("id")

	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	exchanges, err := h.store.ListExchanges(c.Request.Context(), id, 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "exchanges": exchanges})
}

func (h *handlers) deleteConversation(c *gin.Context) {
	id := c.Param("id")

	if err := h.store.DeleteConversation(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
