package handler

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFiles embed.FS

const (
	statementSchemaName       = "statement.schema.json"
	statementResultSchemaName = "statement_result.schema.json"

	schemaBaseURL = "mem://gema-lrs/schema/"
)

var (
	schemaOnce  sync.Once
	schemaCache map[string]*jsonschema.Schema
	schemaErr   error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	names := []string{statementSchemaName, statementResultSchemaName}
	for _, name := range names {
		raw, err := schemaFiles.ReadFile("schema/" + name)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}

	schemaCache = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		schemaCache[name] = schema
	}
}

// LoadSchema returns one of the embedded, compiled JSON schemas.
func LoadSchema(name string) (*jsonschema.Schema, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}

	schema, ok := schemaCache[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", name)
	}
	return schema, nil
}

// validateDocument checks a raw JSON document against a compiled schema.
func validateDocument(schema *jsonschema.Schema, body []byte) error {
	// jsonschema/v5 validates values decoded with json.Decoder.UseNumber.
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", errors.New("invalid character after top-level value"))
	}
	return schema.Validate(document)
}
