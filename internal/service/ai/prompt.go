package ai

// DefaultSystemPrompt is prepended to every conversation sent upstream.
const DefaultSystemPrompt = `You are a helpful, friendly AI assistant.
Answer clearly and concisely. When you are unsure, say so instead of guessing.
Keep the conversation respectful and refuse requests that could cause harm.`

// DefaultFallbackMessage replaces the reply when the upstream call fails.
const DefaultFallbackMessage = "I'm sorry, I encountered an error processing your request."
