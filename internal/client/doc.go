// Package client talks to the HTTP side of the chat backend.
//
// The streaming chat itself goes through the connection package; this
// package covers the endpoint derivation and the document upload that
// seeds a conversation:
//
//	c := client.New("http://localhost:8000")
//	res, err := c.Upload(ctx, client.UploadRequest{
//	    CollectionID: uuid.NewString(),
//	    Settings:     cfg.Models,
//	    Files:        []string{"prospectus.pdf"},
//	})
//
// The returned UploadResult carries the fund name and overview the backend
// extracted from the documents. The Client is safe for concurrent use.
package client
