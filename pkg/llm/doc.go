// Package llm is the client for the local Ollama-compatible model
// server: embeddings and text generation, with a per-model semaphore
// capping concurrent GPU work.
package llm
