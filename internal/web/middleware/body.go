package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/conduit-lang/fhirrouter/internal/store"
	webctx "github.com/conduit-lang/fhirrouter/internal/web/context"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
)

// DefaultMaxBodySize limits request bodies read by BodyParser
const DefaultMaxBodySize int64 = 10 << 20

// BodyParserConfig holds configuration for the body parsing middleware
type BodyParserConfig struct {
	// ContentType is the only media type accepted. Requests without a
	// Content-Type header are read as this type.
	ContentType string
	MaxBodySize int64
}

// BodyParser decodes a JSON object body of the given content type and
// stores it in the request context for handlers to read with Body
func BodyParser(contentType string) Middleware {
	return BodyParserWithConfig(BodyParserConfig{ContentType: contentType})
}

// BodyParserWithConfig creates a body parser with custom configuration
func BodyParserWithConfig(config BodyParserConfig) Middleware {
	if config.ContentType == "" {
		config.ContentType = response.DefaultContentType
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := r.Header.Get("Content-Type"); header != "" {
				mediaType, _, err := mime.ParseMediaType(header)
				if err != nil || mediaType != config.ContentType {
					response.RenderUnsupportedMediaType(w, header, config.ContentType)
					return
				}
			}

			doc, err := decodeDocument(w, r, config.MaxBodySize)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					response.RenderError(w, http.StatusRequestEntityTooLarge, err)
					return
				}
				response.RenderBadRequest(w, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(webctx.SetBody(r.Context(), doc)))
		})
	}
}

// Body returns the document decoded by BodyParser
func Body(r *http.Request) (store.Document, bool) {
	return webctx.GetBody(r.Context())
}

func decodeDocument(w http.ResponseWriter, r *http.Request, limit int64) (store.Document, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()

	decoder := json.NewDecoder(body)
	decoder.UseNumber()

	var doc store.Document
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	if decoder.More() {
		return nil, fmt.Errorf("request body contains multiple JSON values")
	}
	return doc, nil
}
