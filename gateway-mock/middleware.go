package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	body *bytes.Buffer
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

var (
	mu               sync.Mutex
	idempotencyKeys  = make(map[string]bool)
	replayedRequests = make(map[string]bool)
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.String())
		log.Printf("Request Headers: %v", r.Header)

		var requestBody bytes.Buffer
		tee := io.TeeReader(r.Body, &requestBody)
		body, err := io.ReadAll(tee)
		if err != nil {
			log.Printf("Error reading request body: %v", err)
		}
		r.Body = io.NopCloser(&requestBody)
		log.Printf("Request Body: %s", body)

		// a repeated idempotency key means the client retried a create
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err == nil {
			if key, ok := payload["idempotency_key"].(string); ok {
				mu.Lock()
				if idempotencyKeys[key] {
					replayedRequests[key] = true
				} else {
					idempotencyKeys[key] = true
				}
				mu.Unlock()
			}
		}

		lrw := &loggingResponseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		log.Printf("Response Headers: %v", w.Header())
		log.Printf("Response Body: %s", lrw.body.String())

		mu.Lock()
		for key := range replayedRequests {
			log.Printf("Replayed idempotency key: %s", key)
		}
		mu.Unlock()
	})
}

var (
	endpointCounts = make(map[string]int)
)

func countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		mu.Lock()
		endpointCounts[key]++
		count := endpointCounts[key]
		mu.Unlock()

		log.Printf("Endpoint %s has been called %d times", key, count)
		next.ServeHTTP(w, r)
	})
}
