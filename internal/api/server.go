package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pitboss-dev/pitboss/internal/db"
	pberrors "github.com/pitboss-dev/pitboss/internal/errors"
	"github.com/pitboss-dev/pitboss/internal/events"
)

// Server is the read-only feed server. It exposes the board snapshot
// and the event log over HTTP and live events over /ws. Nothing here
// mutates the repo; workers own the files.
type Server struct {
	addr      string
	db        *db.DB
	publisher events.Publisher
	wsHandler *WSHandler
	mux       *http.ServeMux
	logger    *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Addr      string
	DB        *db.DB
	Publisher events.Publisher
	Logger    *slog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Logger: slog.Default(),
	}
}

// New creates a new feed server.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pub := cfg.Publisher
	if pub == nil {
		pub = events.NewMemoryPublisher()
	}

	s := &Server{
		addr:      cfg.Addr,
		db:        cfg.DB,
		publisher: pub,
		mux:       http.NewServeMux(),
		logger:    logger,
	}
	s.wsHandler = NewWSHandler(pub, cfg.DB, logger)
	s.registerRoutes()
	return s
}

// registerRoutes sets up all routes.
func (s *Server) registerRoutes() {
	// CORS middleware wrapper
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))
	s.mux.HandleFunc("GET /api/board", cors(s.handleBoard))
	s.mux.HandleFunc("GET /api/stages/{id}", cors(s.handleGetStage))
	s.mux.HandleFunc("GET /api/events", cors(s.handleEvents))
	s.mux.Handle("GET /ws", s.wsHandler)
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Publisher returns the event publisher the feed broadcasts from.
func (s *Server) Publisher() events.Publisher {
	return s.publisher
}

// StartContext starts the server and shuts it down when ctx is cancelled.
func (s *Server) StartContext(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		s.wsHandler.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting feed server", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}

// handleBoard returns the current board snapshot from the read model.
func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		JSONError(w, "read model not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	columns, err := s.db.CountStagesByColumn(ctx)
	if err != nil {
		HandleError(w, err)
		return
	}
	stages, err := s.db.ListStages(ctx)
	if err != nil {
		HandleError(w, err)
		return
	}
	tickets, err := s.db.ListTickets(ctx)
	if err != nil {
		HandleError(w, err)
		return
	}
	epics, err := s.db.ListEpics(ctx)
	if err != nil {
		HandleError(w, err)
		return
	}

	resp := BoardResponse{
		Columns: columns,
		Stages:  make([]StageSummary, 0, len(stages)),
		Tickets: make([]TicketSummary, 0, len(tickets)),
		Epics:   make([]EpicSummary, 0, len(epics)),
	}
	for _, row := range stages {
		resp.Stages = append(resp.Stages, stageSummary(row))
	}
	for _, row := range tickets {
		resp.Tickets = append(resp.Tickets, TicketSummary{
			ID:        row.ID,
			EpicID:    row.EpicID,
			Title:     row.Title,
			Status:    row.Status,
			HasStages: row.HasStages,
		})
	}
	for _, row := range epics {
		resp.Epics = append(resp.Epics, EpicSummary{
			ID:     row.ID,
			Title:  row.Title,
			Status: row.Status,
		})
	}
	JSONResponse(w, resp)
}

// handleGetStage returns one stage with its dependency edges.
func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		JSONError(w, "read model not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")

	row, err := s.db.GetStage(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		HandleError(w, pberrors.ErrStageNotFound(id))
		return
	}
	if err != nil {
		HandleError(w, err)
		return
	}

	deps, err := s.db.ListStageDependencies(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}

	detail := StageDetail{
		StageSummary:   stageSummary(row),
		WorktreeBranch: row.WorktreeBranch,
		RefinementType: row.RefinementType,
		PRNumber:       row.PRNumber,
		RebaseConflict: row.RebaseConflict,
		Dependencies:   make([]DependencyEdge, 0, len(deps)),
	}
	for _, dep := range deps {
		detail.Dependencies = append(detail.Dependencies, DependencyEdge{
			DependsOn: dep.DependsOn,
			Resolved:  dep.Resolved,
		})
	}
	JSONResponse(w, detail)
}

// handleEvents returns the tail of the stored event log, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		JSONError(w, "event log not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			JSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	rows, err := s.db.RecentEvents(r.Context(), limit)
	if err != nil {
		HandleError(w, err)
		return
	}

	out := make([]EventEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, EventEntry{
			ID:        row.ID,
			StageID:   row.StageID,
			Type:      row.EventType,
			Source:    row.Source,
			Payload:   row.Payload,
			CreatedAt: row.CreatedAt,
		})
	}
	JSONResponse(w, EventsResponse{Events: out})
}

// BoardResponse is the full board snapshot.
type BoardResponse struct {
	Columns map[string]int  `json:"columns"`
	Stages  []StageSummary  `json:"stages"`
	Tickets []TicketSummary `json:"tickets"`
	Epics   []EpicSummary   `json:"epics"`
}

// StageSummary is the board view of one stage.
type StageSummary struct {
	ID            string `json:"id"`
	TicketID      string `json:"ticket_id"`
	EpicID        string `json:"epic_id"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	KanbanColumn  string `json:"kanban_column"`
	Priority      int    `json:"priority"`
	DueDate       string `json:"due_date,omitempty"`
	SessionActive bool   `json:"session_active"`
	PRURL         string `json:"pr_url,omitempty"`
	IsDraft       bool   `json:"is_draft,omitempty"`
}

// StageDetail adds per-stage fields the board view omits.
type StageDetail struct {
	StageSummary
	WorktreeBranch string           `json:"worktree_branch,omitempty"`
	RefinementType []string         `json:"refinement_type,omitempty"`
	PRNumber       int              `json:"pr_number,omitempty"`
	RebaseConflict bool             `json:"rebase_conflict,omitempty"`
	Dependencies   []DependencyEdge `json:"dependencies"`
}

// DependencyEdge is one edge of the stage dependency graph.
type DependencyEdge struct {
	DependsOn string `json:"depends_on"`
	Resolved  bool   `json:"resolved"`
}

// TicketSummary is the board view of one ticket.
type TicketSummary struct {
	ID        string `json:"id"`
	EpicID    string `json:"epic_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	HasStages bool   `json:"has_stages"`
}

// EpicSummary is the board view of one epic.
type EpicSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// EventsResponse wraps the stored event log tail.
type EventsResponse struct {
	Events []EventEntry `json:"events"`
}

// EventEntry is one stored event log row.
type EventEntry struct {
	ID        int64  `json:"id"`
	StageID   string `json:"stage_id,omitempty"`
	Type      string `json:"type"`
	Source    string `json:"source,omitempty"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at"`
}

func stageSummary(row *db.StageRow) StageSummary {
	return StageSummary{
		ID:            row.ID,
		TicketID:      row.TicketID,
		EpicID:        row.EpicID,
		Title:         row.Title,
		Status:        row.Status,
		KanbanColumn:  row.KanbanColumn,
		Priority:      row.Priority,
		DueDate:       row.DueDate,
		SessionActive: row.SessionActive,
		PRURL:         row.PRURL,
		IsDraft:       row.IsDraft,
	}
}
