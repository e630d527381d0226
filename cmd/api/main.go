// Command api runs the AI API middleware: a key-rotating reverse proxy in front
// of the Gemini API with an admin dashboard API.
//
// Usage:
//
//	# Start the server (default command)
//	api serve --config config.yaml
//
//	# Export every stored key
//	api keys export --out keys.json
//
//	# Import keys exported earlier
//	api keys import keys.json
package main

func main() {
	Execute()
}
