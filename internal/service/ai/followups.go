package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const followUpSystem = "You are a helpful Indian farming assistant."

func followUpPrompt(question string) string {
	return "Given this farmer's question about Indian agriculture, write 2-3 related follow-up questions a farmer might ask next. " +
		"Answer each one in detail with region-specific advice, " +
		"mentioning local crop varieties, climate and sustainable practices where they apply. " +
		"Format:\nQ1: ...\nA1: ...\nQ2: ...\nA2: ...\n" +
		"Farmer's question: " + question
}

// FollowUps asks the model for related question/answer pairs about question.
// The text comes back trimmed and otherwise untouched.
func (c *Client) FollowUps(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("question cannot be empty")
	}
	out, err := c.complete(ctx, buildMessages(followUpSystem, followUpPrompt(question), nil))
	if err != nil {
		return "", fmt.Errorf("follow-ups: %w", err)
	}
	return out, nil
}
