// Package client provides a Go SDK for the review queue's HTTP interface
// (spec §6): task submission and status for the upload side, and
// registration/claim/progress/completion for worker processes, plus a
// WebSocket client for real-time event streaming.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := c.CreateTask(ctx, client.CreateTaskRequest{
//	    DeckID:     42,
//	    Kind:       "visual_analysis",
//	    SourcePath: "s3://decks/42/deck.pdf",
//	})
//
// # WebSocket Events
//
//	ws, err := c.ConnectWebSocket(ctx, "api-key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ws.Close()
//
//	for event := range ws.Events() {
//	    fmt.Printf("event: %s\n", event.Type)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
