package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-agency/internal/persistence"
)

// Schemas holds compiled payload schemas keyed by message type. Types
// without a schema accept any JSON payload.
type Schemas struct {
	mu     sync.RWMutex
	byType map[string]*jsonschema.Schema
}

// NewSchemas returns an empty schema set.
func NewSchemas() *Schemas {
	return &Schemas{byType: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and binds it to messageType, replacing any
// previous schema for that type.
func (s *Schemas) Register(messageType string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %q: %w", messageType, err)
	}
	url := messageType + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", messageType, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", messageType, err)
	}
	s.mu.Lock()
	s.byType[messageType] = schema
	s.mu.Unlock()
	return nil
}

// LoadFiles registers one schema file per message type.
func (s *Schemas) LoadFiles(files map[string]string) error {
	for messageType, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema for %q: %w", messageType, err)
		}
		if err := s.Register(messageType, raw); err != nil {
			return err
		}
	}
	return nil
}

// Types lists the message types that carry a schema.
func (s *Schemas) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the schema for messageType, if any.
func (s *Schemas) Validate(messageType string, payload json.RawMessage) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	schema, ok := s.byType[messageType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator expects.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return persistence.Invalid("payload", "invalid JSON: "+err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return persistence.Invalid("payload", fmt.Sprintf("does not match %s schema: %s", messageType, err))
	}
	return nil
}
