package bedrockbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
)

const triviaPrompt = "Ask me a fun trivia question."

var ErrNoTrivia = errors.New("no trivia questions available")

// TriviaSource returns a random trivia question
type TriviaSource interface {
	RandomQuestion(ctx context.Context) (string, error)
}

// StaticTriviaSource picks questions from a fixed list
type StaticTriviaSource struct {
	questions []string
	intn      func(n int) int
}

func NewStaticTriviaSource(questions ...string) *StaticTriviaSource {
	s := &StaticTriviaSource{intn: rand.IntN}
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			s.questions = append(s.questions, q)
		}
	}
	return s
}

func (s *StaticTriviaSource) RandomQuestion(_ context.Context) (string, error) {
	if len(s.questions) == 0 {
		return "", ErrNoTrivia
	}
	return s.questions[s.intn(len(s.questions))], nil
}

// NewFileTriviaSource loads questions from a JSON array of strings
func NewFileTriviaSource(path string) (*StaticTriviaSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var questions []string
	if err = json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("error parsing trivia file %q: %w", path, err)
	}
	s := NewStaticTriviaSource(questions...)
	if len(s.questions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTrivia, path)
	}
	return s, nil
}

// LLMTriviaSource asks the model to come up with a question. The
// requesting user's mood, if any, is applied via the prompt.
type LLMTriviaSource struct {
	llm Generator
}

func NewLLMTriviaSource(llm Generator) *LLMTriviaSource {
	return &LLMTriviaSource{llm: llm}
}

func (s *LLMTriviaSource) RandomQuestion(ctx context.Context) (string, error) {
	prompt := triviaPrompt
	if mood, ok := ctx.Value(moodContextKey).(string); ok && mood != "" {
		prompt = moodPrompt(mood, triviaPrompt)
	}
	resp, err := s.llm.Generate(ctx, GenerateRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
