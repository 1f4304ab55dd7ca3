package provider

import (
	"fmt"
	"log"

	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/agent/reasoning"
	openai_provider "github.com/mohammad-safakhou/quizchain/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
	Azure  Client = "azure"
)

// NewReasoner creates the reasoning backend named by cfg.Provider.
func NewReasoner(cfg config.LLMConfig, logger *log.Logger) (reasoning.Reasoner, error) {
	switch Client(cfg.Provider) {
	case OpenAI, Azure:
		c, err := openai_provider.NewOpenAIClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}
