package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v5"
)

const messageSchemaURL = "loom://api/post-message.json"

var (
	messageSchemaOnce sync.Once
	messageSchema     *jsv.Schema
	messageSchemaErr  error
)

// compiledMessageSchema reflects the request struct into a JSON schema and
// compiles it once. The schema rejects unknown keys and wrong shapes before
// any semantic checks run.
func compiledMessageSchema() (*jsv.Schema, error) {
	messageSchemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{DoNotReference: true}
		data, err := json.Marshal(reflector.Reflect(&postMessageRequest{}))
		if err != nil {
			messageSchemaErr = fmt.Errorf("reflect message schema: %w", err)
			return
		}
		compiler := jsv.NewCompiler()
		if err := compiler.AddResource(messageSchemaURL, bytes.NewReader(data)); err != nil {
			messageSchemaErr = fmt.Errorf("add message schema: %w", err)
			return
		}
		messageSchema, messageSchemaErr = compiler.Compile(messageSchemaURL)
	})
	return messageSchema, messageSchemaErr
}

// parseMessageRequest validates the raw body against the schema, decodes it,
// and applies the checks the schema cannot express.
func (s *Server) parseMessageRequest(body []byte) (*postMessageRequest, error) {
	schema, err := compiledMessageSchema()
	if err != nil {
		return nil, err
	}

	var loose any
	if err := json.Unmarshal(body, &loose); err != nil {
		return nil, fmt.Errorf("%w: body is not valid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(loose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var req postMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	hasContent := strings.TrimSpace(req.Content) != ""
	hasBlocks := len(req.Blocks) > 0
	switch {
	case !hasContent && !hasBlocks:
		return nil, fmt.Errorf("%w: content or blocks is required", ErrValidation)
	case hasContent && hasBlocks:
		return nil, fmt.Errorf("%w: content and blocks are mutually exclusive", ErrValidation)
	}
	return &req, nil
}
