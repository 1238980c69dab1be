package tool

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// schemaCache compiles tool input schemas once and recompiles only when the
// catalog entry changes.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]*schemaEntry
}

type schemaEntry struct {
	raw    string
	schema *gojsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]*schemaEntry)}
}

// validate checks args against the tool's input schema. A missing or
// uncompilable schema skips validation; tools stay callable when a server
// ships a broken schema.
func (c *schemaCache) validate(key string, raw []byte, args map[string]any) error {
	if len(raw) == 0 {
		return nil
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok || entry.raw != string(raw) {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			log.Warn().Str("tool", key).Err(err).Msg("tool schema does not compile, skipping validation")
			schema = nil
		}
		entry = &schemaEntry{raw: string(raw), schema: schema}
		c.entries[key] = entry
	}
	schema := entry.schema
	c.mu.Unlock()

	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			problems = append(problems, issue.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}
