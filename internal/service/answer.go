// Package service orchestrates retrieval, ranking and generation into
// answers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docqa/docqa/internal/index"
	"github.com/docqa/docqa/internal/llm"
	"github.com/docqa/docqa/internal/memory"
	"github.com/docqa/docqa/internal/ranker"
	"github.com/docqa/docqa/internal/repository"
	"github.com/docqa/docqa/internal/reranker"
	"github.com/docqa/docqa/internal/usage"
)

var (
	// ErrEmptyQuery is returned when the question is blank.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrUnknownTenant is returned in strict mode for tenants with no record.
	ErrUnknownTenant = errors.New("unknown tenant")
)

const (
	noInfoMessage = "I couldn't find any relevant information in the knowledge base."
	errorMessage  = "I encountered an error while processing your question. Please try again."

	defaultSystemPrompt = "You are a helpful assistant that answers questions based on the provided context. " +
		"If the context doesn't contain enough information to answer the question, say so. " +
		"Always cite the sources you used."

	// historyLimit caps the conversation turns included in the prompt.
	historyLimit = 6

	usageRecordTimeout = 5 * time.Second
)

// UserContext identifies the caller of an answer request.
type UserContext struct {
	UserID    string
	SessionID string
}

// SourceDetail describes one source that contributed to an answer.
type SourceDetail struct {
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Preview string  `json:"preview"`
}

// Answer is the result of a question against a tenant's knowledge base.
type Answer struct {
	Answer        string         `json:"answer"`
	Sources       []string       `json:"sources"`
	SourceDetails []SourceDetail `json:"source_details"`
	Confidence    float64        `json:"confidence"`
	ModelUsed     string         `json:"model_used"`
}

// Config configures an AnswerService.
type Config struct {
	Registry *index.Registry
	Ranker   *ranker.Ranker
	Reranker reranker.Reranker
	LLM      llm.Client
	Usage    usage.Tracker
	Memory   *memory.Store

	// Tenants enables strict tenant validation and per-tenant overrides.
	// When nil every well-formed tenant ID is accepted with the defaults
	// below.
	Tenants repository.TenantRepository

	TopK         int
	SystemPrompt string

	// Temperature and MaxTokens are passed through to every generation
	// request. Zero values defer to the backend defaults.
	Temperature float32
	MaxTokens   int

	// Streaming makes Ask generate via the streaming path internally,
	// accumulating tokens instead of waiting for a single response.
	Streaming bool

	Logger *slog.Logger
}

// AnswerService answers questions against per-tenant knowledge bases.
type AnswerService struct {
	registry *index.Registry
	ranker   *ranker.Ranker
	reranker reranker.Reranker
	llm      llm.Client
	usage    usage.Tracker
	memory   *memory.Store
	tenants  repository.TenantRepository

	topK         int
	systemPrompt string
	temperature  float32
	maxTokens    int
	streaming    bool
	logger       *slog.Logger
}

// NewAnswerService creates an AnswerService.
func NewAnswerService(cfg Config) *AnswerService {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Reranker == nil {
		cfg.Reranker = reranker.Noop{}
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AnswerService{
		registry:     cfg.Registry,
		ranker:       cfg.Ranker,
		reranker:     cfg.Reranker,
		llm:          cfg.LLM,
		usage:        cfg.Usage,
		memory:       cfg.Memory,
		tenants:      cfg.Tenants,
		topK:         cfg.TopK,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		streaming:    cfg.Streaming,
		logger:       cfg.Logger,
	}
}

// tenantSettings are the effective per-request parameters after tenant
// overrides.
type tenantSettings struct {
	topK         int
	model        string
	systemPrompt string
	rerank       bool
}

func (s *AnswerService) settingsFor(ctx context.Context, tenantID string) (tenantSettings, error) {
	settings := tenantSettings{
		topK:         s.topK,
		systemPrompt: s.systemPrompt,
		rerank:       true,
	}

	if s.tenants == nil {
		return settings, nil
	}

	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return settings, ErrUnknownTenant
		}
		return settings, fmt.Errorf("failed to look up tenant: %w", err)
	}

	if tenant.Config.TopK > 0 {
		settings.topK = tenant.Config.TopK
	}
	if tenant.Config.LLMModel != "" {
		settings.model = tenant.Config.LLMModel
	}
	if tenant.Config.SystemPrompt != "" {
		settings.systemPrompt = tenant.Config.SystemPrompt
	}
	settings.rerank = tenant.Config.RerankerEnabled
	return settings, nil
}

// Ask answers a question against the tenant's knowledge base.
//
// Retrieval and ranking errors are returned to the caller; generation
// failure degrades to a fixed apology answer with no sources rather than
// failing the request.
func (s *AnswerService) Ask(ctx context.Context, tenantID, query string, uc UserContext) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	if s.streaming {
		// Same pipeline, token-by-token generation with no external sink.
		return s.AskStream(ctx, tenantID, query, uc, func(string) {})
	}

	settings, err := s.settingsFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.retrieve(ctx, tenantID, query, settings)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		s.logger.Info("no candidates for query", "tenant_id", tenantID)
		return &Answer{
			Answer:     noInfoMessage,
			Sources:    []string{},
			Confidence: 0,
			ModelUsed:  s.modelName(settings),
		}, nil
	}

	messages := s.buildMessages(query, candidates, settings, uc)

	start := time.Now()
	completion, err := s.llm.Chat(ctx, messages, s.chatOptions(settings))
	if err != nil {
		s.logger.Error("generation failed", "tenant_id", tenantID, "error", err)
		return &Answer{
			Answer:     errorMessage,
			Sources:    []string{},
			Confidence: 0,
			ModelUsed:  s.modelName(settings),
		}, nil
	}

	s.recordUsage(tenantID, uc.UserID, completion.Model, completion.Usage)
	s.remember(uc, query, completion.Content)

	answer := s.assemble(completion.Content, candidates)
	answer.ModelUsed = completion.Model
	s.logger.Info("answered question",
		"tenant_id", tenantID,
		"sources", len(answer.Sources),
		"confidence", answer.Confidence,
		"latency", time.Since(start))
	return answer, nil
}

// AskStream answers a question, delivering generated tokens to sink as they
// arrive. The returned Answer holds the full accumulated text.
func (s *AnswerService) AskStream(ctx context.Context, tenantID, query string, uc UserContext, sink func(token string)) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	settings, err := s.settingsFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.retrieve(ctx, tenantID, query, settings)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		sink(noInfoMessage)
		return &Answer{
			Answer:     noInfoMessage,
			Sources:    []string{},
			Confidence: 0,
			ModelUsed:  s.modelName(settings),
		}, nil
	}

	messages := s.buildMessages(query, candidates, settings, uc)

	chunks, err := s.llm.ChatStream(ctx, messages, s.chatOptions(settings))
	if err != nil {
		s.logger.Error("stream start failed", "tenant_id", tenantID, "error", err)
		sink(errorMessage)
		return &Answer{
			Answer:     errorMessage,
			Sources:    []string{},
			Confidence: 0,
			ModelUsed:  s.modelName(settings),
		}, nil
	}

	var sb strings.Builder
	var finalUsage *llm.Usage
	var streamErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			streamErr = chunk.Error
			break
		}
		if chunk.Token != "" {
			sb.WriteString(chunk.Token)
			sink(chunk.Token)
		}
		if chunk.Done {
			finalUsage = chunk.Usage
			break
		}
	}

	content := sb.String()
	if streamErr != nil && content == "" {
		s.logger.Error("stream failed before any content", "tenant_id", tenantID, "error", streamErr)
		sink(errorMessage)
		return &Answer{
			Answer:     errorMessage,
			Sources:    []string{},
			Confidence: 0,
			ModelUsed:  s.modelName(settings),
		}, nil
	}
	if streamErr != nil {
		// Partial content already delivered stays; log and keep going.
		s.logger.Warn("stream ended early, keeping partial answer",
			"tenant_id", tenantID, "error", streamErr)
	}

	if finalUsage != nil {
		s.recordUsage(tenantID, uc.UserID, s.modelName(settings), *finalUsage)
	}
	s.remember(uc, query, content)

	answer := s.assemble(content, candidates)
	answer.ModelUsed = s.modelName(settings)
	return answer, nil
}

func (s *AnswerService) retrieve(ctx context.Context, tenantID, query string, settings tenantSettings) ([]ranker.Candidate, error) {
	store, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// Over-fetch so the reranker has a wider pool than the final cut.
	results, err := store.Search(ctx, query, 2*settings.topK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	candidates := s.ranker.Rank(query, results)
	if settings.rerank {
		candidates = s.reranker.Rerank(ctx, query, candidates, settings.topK)
	} else if len(candidates) > settings.topK {
		candidates = candidates[:settings.topK]
	}
	return candidates, nil
}

func (s *AnswerService) buildMessages(query string, candidates []ranker.Candidate, settings tenantSettings, uc UserContext) []llm.Message {
	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = fmt.Sprintf("[Source: %s]\n%s", c.Result.Source, c.Result.Content)
	}
	contextBlock := strings.Join(parts, "\n\n---\n\n")

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: settings.systemPrompt},
	}

	if s.memory != nil && uc.SessionID != "" {
		history := s.memory.Recent(uc.SessionID, historyLimit)
		if formatted := memory.FormatForPrompt(history); formatted != "" {
			messages = append(messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Previous conversation:\n" + formatted,
			})
		}
	}

	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, query),
	})
	return messages
}

func (s *AnswerService) assemble(content string, candidates []ranker.Candidate) *Answer {
	seen := make(map[string]struct{}, len(candidates))
	sources := make([]string, 0, len(candidates))
	details := make([]SourceDetail, 0, len(candidates))
	sum := 0.0
	for _, c := range candidates {
		sum += c.Combined
		if _, ok := seen[c.Result.Source]; !ok {
			seen[c.Result.Source] = struct{}{}
			sources = append(sources, c.Result.Source)
		}
		details = append(details, SourceDetail{
			Source:  c.Result.Source,
			Score:   c.Combined,
			Preview: preview(c.Result.Content),
		})
	}

	confidence := 0.0
	if len(candidates) > 0 {
		confidence = sum / float64(len(candidates)) * 100
		if confidence > 100 {
			confidence = 100
		}
	}

	return &Answer{
		Answer:        content,
		Sources:       sources,
		SourceDetails: details,
		Confidence:    confidence,
	}
}

func (s *AnswerService) recordUsage(tenantID, userID, model string, u llm.Usage) {
	event := usage.Event{
		Model:          model,
		TokensUsed:     u.TotalTokens,
		LatencySeconds: u.Latency.Seconds(),
		TenantID:       tenantID,
		UserID:         userID,
		Estimated:      u.Estimated,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), usageRecordTimeout)
		defer cancel()
		if err := s.usage.Record(ctx, event); err != nil {
			s.logger.Warn("failed to record usage", "tenant_id", tenantID, "error", err)
		}
	}()
}

func (s *AnswerService) remember(uc UserContext, query, answer string) {
	if s.memory == nil || uc.SessionID == "" || answer == "" {
		return
	}
	s.memory.Append(uc.SessionID, memory.RoleUser, query)
	s.memory.Append(uc.SessionID, memory.RoleAssistant, answer)
}

func (s *AnswerService) chatOptions(settings tenantSettings) llm.Options {
	return llm.Options{
		Model:       settings.model,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}
}

func (s *AnswerService) modelName(settings tenantSettings) string {
	if settings.model != "" {
		return settings.model
	}
	return s.llm.Model()
}

const previewLength = 200

func preview(content string) string {
	if len(content) <= previewLength {
		return content
	}
	return content[:previewLength] + "..."
}
