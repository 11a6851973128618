// Package codeexec implements the code_execution meta-tool: instead of the
// LLM issuing one tool call per turn, it writes a short program that is run
// in an isolated remote sandbox with every other tool bound as a callable.
// The sandbox talks back to this process over a file-mediated RPC protocol;
// this package generates the program, drives the worker, bridges MCP tools
// into it with parameter/response normalization and a circuit breaker,
// filters intermediate tool results out of the conversation history, and
// accounts for the tokens the approach avoids spending.
package codeexec
