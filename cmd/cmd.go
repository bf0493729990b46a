// Package cmd provides CLI commands for embedo.
//
// Commands:
//   - serve: HTTP API server for the chat widget
//   - migrate: apply pending database migrations and exit
//   - version: show version information
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"fmt"
	"os"
)

// Execute is the main entry point for the embedo CLI application.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("embedo - embeddable AI assistant backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  embedo serve [addr]  Start the HTTP API server (default: 127.0.0.1:3500)")
	fmt.Println("  embedo migrate       Apply pending database migrations")
	fmt.Println("  embedo --version     Show version information")
	fmt.Println("  embedo --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  EMBEDO_PROVIDER        LLM provider: gemini (default), openai, ollama")
	fmt.Println("  EMBEDO_GEMINI_API_KEY  Required for the gemini provider")
	fmt.Println("  EMBEDO_OPENAI_API_KEY  Required for the openai provider")
	fmt.Println("  EMBEDO_OLLAMA_HOST     Ollama base URL (default: http://localhost:11434)")
	fmt.Println("  EMBEDO_DEBUG           Enable debug logging")
}
