// Package runtimeconfig holds the validated, immutable settings a session
// runs with.
//
// A Config is created once per session and replaced wholesale when tools or
// the system prompt change (WithTool, WithoutTool, WithSystemPrompt). Its
// Fingerprint binds checkpoint tokens to the settings that produced them.
package runtimeconfig
