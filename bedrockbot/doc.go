// Package bedrockbot implements a Discord bot that forwards chat commands
// to large language models hosted on AWS Bedrock (or any OpenAI-compatible
// endpoint) and replies with the generated text.
//
// Key components of the package include:
//
//   - Bot: wires everything together and manages the run lifecycle.
//   - SessionStore: per-user conversation history, mood and story, kept in
//     memory for the lifetime of the process.
//   - Dispatcher: parses prefixed chat messages and runs command handlers.
//   - LLMClient: validates model IDs against the ModelCatalog, throttles
//     and sends requests to the configured provider.
//   - Discord: the gateway listener, which replies in chunks that fit
//     discord's message length limit.
//   - API: an admin HTTP API for health, models, sessions, the command
//     log and Prometheus metrics.
//
// The bot supports these commands (with the default '!' prefix):
//
//   - !ask [question]: ask the model, with conversation history and mood
//   - !setmood [mood]: set the bot's mood for the next hour
//   - !mood: show the current mood
//   - !story [addition]: add to, or show, a collaborative story
//   - !trivia: get a trivia question
//   - !summarize [text]: summarize text, without affecting history
//   - !models [all|query]: list available models
//   - !clear: reset your session
//   - !help: list commands
package bedrockbot
