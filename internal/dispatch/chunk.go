package dispatch

import (
	"context"
	"fmt"
	"maps"
)

// chunkableText reports whether the request is a message-style payload that
// needs chunking: its method is in the configured chunkable set and its
// "text" param exceeds the threshold.
func (g *Governor) chunkableText(req *Request) (string, bool) {
	eligible := false
	for _, m := range g.cfg.ChunkMethods {
		if m == req.Method {
			eligible = true
			break
		}
	}
	if !eligible {
		return "", false
	}
	text, ok := req.Params["text"].(string)
	if !ok || len(text) <= g.cfg.ChunkThreshold {
		return "", false
	}
	return text, true
}

// submitChunked splits an over-length message into ordered parts and runs
// each through the full admission path sequentially: part k+1 is never
// dispatched before part k settles, and a failed part aborts the rest.
// The final part's result is returned.
func (g *Governor) submitChunked(ctx context.Context, req *Request, text string) (map[string]any, error) {
	parts := splitMessage(text, g.cfg.ChunkThreshold)

	var last map[string]any
	for i, part := range parts {
		params := maps.Clone(req.Params)
		params["text"] = fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(parts), part)

		partReq := &Request{
			Method:         req.Method,
			Params:         params,
			Priority:       req.Priority,
			MaxRetries:     req.MaxRetries,
			SanitizeOutput: req.SanitizeOutput,
		}
		resp, err := g.submitOne(ctx, partReq)
		if err != nil {
			return nil, fmt.Errorf("dispatching part %d/%d: %w", i+1, len(parts), err)
		}
		last = resp
	}
	return last, nil
}

// splitMessage splits text into ordered chunks of at most maxLen bytes,
// preferring a newline boundary in the back half of each chunk so message
// formatting survives the split.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if text[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
