package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/query"
)

// Config is the environment driven configuration shared by the server and
// the worker.
type Config struct {
	Debug    bool
	LogLevel string
	LogJSON  bool

	AI         AIConfig
	Extraction ExtractionConfig
	Summary    SummaryConfig
	Query      QueryConfig
	Prompt     PromptConfig
	Store      StoreConfig
	RabbitMQ   RabbitMQConfig

	Port   string
	APIKey string
}

// AIConfig selects and tunes the model adapter.
type AIConfig struct {
	Adapter       string
	ChatURL       string
	ChatKey       string
	ExtractModel  string
	DescribeModel string

	ParallelRequests int
	Timeout          time.Duration
	MaxRetries       int

	CacheDir string
	CacheTTL time.Duration

	BreakerFailures int
	BreakerTimeout  time.Duration
}

// ExtractionConfig controls the tuple extraction loop and the merge.
type ExtractionConfig struct {
	Delimiters       graph.Delimiters
	EntityTypes      []string
	Language         string
	MaxGleaning      int
	ParallelPassages int
	StrictTypes      bool
}

// SummaryConfig controls when and how descriptions are condensed.
type SummaryConfig struct {
	MaxFragments     int
	TokenBudget      int
	SummaryLength    int
	TokenEncoder     string
	ConflictGrouping bool
	AutoSummarize    bool
}

// QueryConfig controls answer composition.
type QueryConfig struct {
	CitationLimit int
	MaxEntities   int
	MaxRelations  int
}

// PromptConfig holds optional text sent with every model request of a kind.
type PromptConfig struct {
	SystemSettings   string
	ExtractPrefill   string
	SummarizePrefill string
	KeywordsPrefill  string
	AnswerPrefill    string
}

// StoreConfig locates the graph snapshot store.
type StoreConfig struct {
	DatabaseURL string
	GraphID     string
}

// RabbitMQConfig holds the broker connection settings.
type RabbitMQConfig struct {
	Enabled  bool
	User     string
	Password string
	Host     string
	Port     string
}

// URL renders the amqp connection URL.
func (c RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/",
	}
	return u.String()
}

// Load reads the configuration from the environment. A .env file is picked
// up when present. The result is validated before it is returned.
func Load() (*Config, error) {
	util.LoadEnv()
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Debug:    util.GetEnvBool("DEBUG", false),
		LogLevel: util.GetEnv("LOG_LEVEL"),
		LogJSON:  util.GetEnvBool("LOG_JSON", false),

		AI: AIConfig{
			Adapter:          util.GetEnvString("AI_ADAPTER", "openai"),
			ChatURL:          util.GetEnv("AI_CHAT_URL"),
			ChatKey:          util.GetEnv("AI_CHAT_KEY"),
			ExtractModel:     util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			DescribeModel:    util.GetEnv("AI_CHAT_DESCRIBE_MODEL"),
			ParallelRequests: util.GetEnvInt("AI_PARALLEL_REQ", 4),
			Timeout:          util.GetEnvDuration("AI_TIMEOUT", 2*time.Minute),
			MaxRetries:       util.GetEnvInt("AI_MAX_RETRIES", 3),
			CacheDir:         util.GetEnv("AI_CACHE_DIR"),
			CacheTTL:         util.GetEnvDuration("AI_CACHE_TTL", 0),
			BreakerFailures:  util.GetEnvInt("AI_BREAKER_FAILURES", 5),
			BreakerTimeout:   util.GetEnvDuration("AI_BREAKER_TIMEOUT", 30*time.Second),
		},

		Extraction: ExtractionConfig{
			Delimiters: graph.Delimiters{
				Tuple:      util.GetEnvString("TUPLE_DELIMITER", graph.DefaultTupleDelimiter),
				Completion: util.GetEnvString("COMPLETION_DELIMITER", graph.DefaultCompletionDelimiter),
			},
			EntityTypes:      util.GetEnvList("ENTITY_TYPES", ai.DefaultEntityTypes),
			Language:         util.GetEnv("LANGUAGE"),
			MaxGleaning:      util.GetEnvInt("MAX_GLEANING", 1),
			ParallelPassages: util.GetEnvInt("PARALLEL_PASSAGES", 2),
			StrictTypes:      util.GetEnvBool("STRICT_TYPES", false),
		},

		Summary: SummaryConfig{
			MaxFragments:     util.GetEnvInt("SUMMARY_MAX_FRAGMENTS", graph.DefaultMaxFragments),
			TokenBudget:      util.GetEnvInt("SUMMARY_TOKEN_BUDGET", graph.DefaultTokenBudget),
			SummaryLength:    util.GetEnvInt("SUMMARY_LENGTH", graph.DefaultSummaryLength),
			TokenEncoder:     util.GetEnvString("TOKEN_ENCODER", graph.DefaultTokenEncoder),
			ConflictGrouping: util.GetEnvBool("SUMMARY_CONFLICT_GROUPING", false),
			AutoSummarize:    util.GetEnvBool("SUMMARY_AUTO", true),
		},

		Query: QueryConfig{
			CitationLimit: util.GetEnvInt("CITATION_LIMIT", query.DefaultCitationLimit),
			MaxEntities:   util.GetEnvInt("QUERY_MAX_ENTITIES", 20),
			MaxRelations:  util.GetEnvInt("QUERY_MAX_RELATIONS", 20),
		},

		Prompt: PromptConfig{
			SystemSettings:   util.GetEnv("PROMPT_SYSTEM_SETTINGS"),
			ExtractPrefill:   util.GetEnv("PROMPT_EXTRACT_PREFILL"),
			SummarizePrefill: util.GetEnv("PROMPT_SUMMARIZE_PREFILL"),
			KeywordsPrefill:  util.GetEnv("PROMPT_KEYWORDS_PREFILL"),
			AnswerPrefill:    util.GetEnv("PROMPT_ANSWER_PREFILL"),
		},

		Store: StoreConfig{
			DatabaseURL: util.GetEnv("DATABASE_URL"),
			GraphID:     util.GetEnvString("GRAPH_ID", "default"),
		},

		RabbitMQ: RabbitMQConfig{
			Enabled:  util.GetEnvBool("QUEUE_ENABLED", false),
			User:     util.GetEnvString("RABBITMQ_USER", "guest"),
			Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
			Host:     util.GetEnvString("RABBITMQ_HOST", "localhost"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		},

		Port:   util.GetEnvString("PORT", "8080"),
		APIKey: util.GetEnv("API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks delimiters and numeric limits.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Extraction.Delimiters.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delimiters: %w", err))
	}
	switch c.AI.Adapter {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("AI_ADAPTER must be openai or ollama, got %q", c.AI.Adapter))
	}

	positive := []struct {
		key   string
		value int
	}{
		{"AI_PARALLEL_REQ", c.AI.ParallelRequests},
		{"AI_MAX_RETRIES", c.AI.MaxRetries},
		{"PARALLEL_PASSAGES", c.Extraction.ParallelPassages},
		{"SUMMARY_MAX_FRAGMENTS", c.Summary.MaxFragments},
		{"SUMMARY_TOKEN_BUDGET", c.Summary.TokenBudget},
		{"SUMMARY_LENGTH", c.Summary.SummaryLength},
		{"CITATION_LIMIT", c.Query.CitationLimit},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.key, p.value))
		}
	}
	if c.Extraction.MaxGleaning < 0 {
		errs = append(errs, fmt.Errorf("MAX_GLEANING must not be negative, got %d", c.Extraction.MaxGleaning))
	}
	if c.AI.Timeout < 0 {
		errs = append(errs, errors.New("AI_TIMEOUT must not be negative"))
	}

	return errors.Join(errs...)
}

// Prompts returns the prompt set bound to the configured delimiters, entity
// types and output language, carrying the optional settings and prefills.
func (c *Config) Prompts() *ai.PromptSet {
	p := ai.NewPromptSet(c.Extraction.Delimiters.Tuple, c.Extraction.Delimiters.Completion)
	p.SystemSettings = c.Prompt.SystemSettings
	p.ExtractPrefill = c.Prompt.ExtractPrefill
	p.SummarizePrefill = c.Prompt.SummarizePrefill
	p.KeywordsPrefill = c.Prompt.KeywordsPrefill
	p.AnswerPrefill = c.Prompt.AnswerPrefill
	if len(c.Extraction.EntityTypes) > 0 {
		p.EntityTypes = c.Extraction.EntityTypes
	}
	if c.Extraction.Language != "" {
		p.Language = c.Extraction.Language
	}
	return p
}
