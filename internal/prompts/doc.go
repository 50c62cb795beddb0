// Package prompts contains the text the task agent sends to models and
// the fixed replies it falls back on.
//
// Prompt text is Go code rather than config files because it is program
// logic: policy wording is part of the agent's contract (when to ask for
// clarification, when to confirm a deletion, how to report a result) and
// is validated by tests.
//
// Convention: each prompt gets an exported function that accepts the
// dynamic parts and returns the fully interpolated string.
package prompts
